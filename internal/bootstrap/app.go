package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"lab-backend/internal/bulk"
	"lab-backend/internal/emailrender"
	"lab-backend/internal/llm"
	llmopenai "lab-backend/internal/llm/openai"
	"lab-backend/internal/mailer"
	"lab-backend/internal/mailer/gmail"
	"lab-backend/internal/mailer/resend"
	"lab-backend/internal/meetings"
	"lab-backend/internal/queue"
	"lab-backend/internal/services/health"
	"lab-backend/internal/shared/config"
	"lab-backend/internal/shared/ratelimit"
	"lab-backend/internal/shared/retry"
	"lab-backend/internal/shared/server"
	"lab-backend/internal/shared/storage/db"
	"lab-backend/internal/shared/storage/object"
	localstore "lab-backend/internal/shared/storage/object/local"
	s3store "lab-backend/internal/shared/storage/object/s3"
	"lab-backend/internal/transcribe"
	transcribeopenai "lab-backend/internal/transcribe/openai"
	"lab-backend/internal/workerproc"
	"lab-backend/internal/workflow"
)

// App holds shared dependencies.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Store           object.ObjectStore
	Queue           queue.Client
	StepRepo        workflow.Repo
	MeetingsRepo    meetings.Repo
	Recorder        *workflow.Recorder
	Coordinator     *workflow.Coordinator
	Limiter         *ratelimit.Limiter
	WorkflowHandler *workflow.Handler
	Worker          *workerproc.Processor
	Health          *health.Service

	closers []func() error
}

// Build prepares shared dependencies and wires routes.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	app := &App{Config: cfg, Limiter: ratelimit.New()}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.DB = sqlDB

	if err := app.buildRepos(ctx); err != nil {
		app.Close()
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = store

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Queue = queueClient

	providers, err := buildProviders(ctx, cfg, app.MeetingsRepo)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Recorder = workflow.NewRecorder(app.StepRepo)
	app.Coordinator = workflow.NewCoordinator(app.Recorder, providers, workflow.Options{
		Retry: retryPolicy(cfg),
		Bulk:  bulk.Dispatcher{BatchSize: cfg.BulkBatchSize, Pause: cfg.BulkPause},
	})
	app.WorkflowHandler = workflow.NewHandler(app.Coordinator, app.Store, app.Queue, cfg.StaleStepAfter)
	app.Worker = &workerproc.Processor{Runner: app.Coordinator, Store: app.Store}

	app.Health = health.NewService(app.details)
	if app.DB != nil {
		app.Health.Register("database", app.DB.PingContext)
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:   app.Config,
		Limiter:  app.Limiter,
		Handlers: []server.RouteRegistrar{app.WorkflowHandler},
		Health:   app.Health.Status,
	})
	return app, nil
}

// Close releases the database handles and stops the limiter sweep.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Limiter != nil {
		a.Limiter.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("bootstrap: close: %v", err)
		}
	}
	a.closers = nil
}

func (a *App) details() map[string]any {
	return map[string]any{
		"env":         a.Config.Env,
		"stepStore":   a.Config.StepStore,
		"objectStore": a.Config.ObjectStoreType,
		"database":    a.DB != nil,
		"queue":       a.Queue != nil,
	}
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if cfg.StepStore == "postgres" {
			return nil, fmt.Errorf("STEP_STORE=postgres requires DATABASE_URL")
		}
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	sqlDB, err := db.ConnectForRuntime(ctx, cfg.DatabaseURL)
	if err != nil {
		if isDevLike(cfg.Env) && cfg.StepStore != "postgres" {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func (a *App) buildRepos(ctx context.Context) error {
	if a.DB != nil {
		a.MeetingsRepo = &meetings.PGRepo{DB: a.DB}
		if !db.IsLambdaRuntime() {
			database := a.DB
			a.closers = append(a.closers, database.Close)
		}
	} else {
		a.MeetingsRepo = meetings.NewMemoryRepo()
	}

	switch a.Config.StepStore {
	case "postgres":
		if a.DB == nil {
			return errors.New("STEP_STORE=postgres requires a database connection")
		}
		a.StepRepo = &workflow.PGRepo{DB: a.DB}
	case "sqlite":
		repo, err := workflow.OpenSQLite(ctx, a.Config.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite step store: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		a.StepRepo = repo
	default:
		if a.DB != nil {
			a.StepRepo = &workflow.PGRepo{DB: a.DB}
		} else {
			a.StepRepo = workflow.NewMemoryRepo()
		}
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, s3store.Config{
			Region:    cfg.AWSRegion,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			KMSKeyID:  cfg.SSEKMSKeyID,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.SQSQueueURL) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
}

func buildProviders(ctx context.Context, cfg config.Config, meetingsRepo meetings.Repo) (workflow.Providers, error) {
	transcriber, err := buildTranscriber(cfg)
	if err != nil {
		return workflow.Providers{}, err
	}

	llmClient := llm.Client(llm.HeuristicClient{})
	switch cfg.LLMProvider {
	case "openai":
		client, err := llmopenai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel, llmopenai.Options{
			Timeout:             cfg.OpenAITimeout,
			NoTemperatureModels: cfg.LLMNoTemperatureModels,
		})
		if err != nil {
			return workflow.Providers{}, err
		}
		llmClient = client
	case "placeholder":
		llmClient = llm.PlaceholderClient{}
	}

	renderer, err := emailrender.New(meetingsRepo)
	if err != nil {
		return workflow.Providers{}, err
	}
	renderer.DefaultLabName = cfg.DefaultLabName

	mail, err := buildMailer(ctx, cfg)
	if err != nil {
		return workflow.Providers{}, err
	}

	return workflow.Providers{
		Transcriber: transcriber,
		Extractor:   meetings.NewExtractor(llmClient, meetingsRepo),
		Renderer:    renderer,
		Mailer:      mail,
	}, nil
}

// buildTranscriber always accepts text transcripts; real audio needs a speech provider.
func buildTranscriber(cfg config.Config) (transcribe.Client, error) {
	switch cfg.TranscribeProvider {
	case "openai":
		client, err := transcribeopenai.NewClient(cfg.OpenAIAPIKey, cfg.TranscribeModel, cfg.TranscribeLanguage, cfg.OpenAITimeout)
		if err != nil {
			return nil, err
		}
		return transcribe.PassthroughClient{Fallback: client}, nil
	case "placeholder":
		return transcribe.PlaceholderClient{}, nil
	default:
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			client, err := transcribeopenai.NewClient(cfg.OpenAIAPIKey, cfg.TranscribeModel, cfg.TranscribeLanguage, cfg.OpenAITimeout)
			if err != nil {
				return nil, err
			}
			return transcribe.PassthroughClient{Fallback: client}, nil
		}
		return transcribe.PassthroughClient{}, nil
	}
}

func buildMailer(ctx context.Context, cfg config.Config) (mailer.Client, error) {
	switch cfg.MailProvider {
	case "resend":
		return resend.NewClient(cfg.ResendAPIKey, cfg.MailFrom)
	case "gmail":
		return gmail.NewClient(ctx, gmail.Config{
			ClientID:     cfg.GmailClientID,
			ClientSecret: cfg.GmailClientSecret,
			RefreshToken: cfg.GmailRefreshToken,
			From:         cfg.MailFrom,
		})
	default:
		return mailer.LogClient{From: cfg.MailFrom}, nil
	}
}

func retryPolicy(cfg config.Config) retry.Policy {
	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}
	if cfg.RetryClassify {
		policy.Retryable = retry.Transient
	}
	return policy
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "test":
		return true
	default:
		return false
	}
}
