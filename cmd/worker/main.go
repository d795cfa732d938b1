package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"lab-backend/internal/bootstrap"
	"lab-backend/internal/shared/config"
)

func main() {
	cfg := config.Load()
	queueURL := strings.TrimSpace(cfg.SQSQueueURL)
	if queueURL == "" {
		log.Fatal("SQS_QUEUE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()

	c := &consumer{
		client:      sqs.NewFromConfig(awsCfg),
		queueURL:    queueURL,
		proc:        app.Worker,
		concurrency: envInt("WORKER_CONCURRENCY", 4),
		visibility:  time.Duration(envInt("SQS_VISIBILITY_TIMEOUT_SECONDS", 900)) * time.Second,
		waitTime:    20 * time.Second,
		errPause:    time.Second,
	}
	shutdownTimeout := time.Duration(envInt("SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second

	log.Printf("worker started queue=%s concurrency=%d visibility=%s", queueURL, c.concurrency, c.visibility)

	done := make(chan struct{})
	go func() {
		_ = c.run(ctx)
		close(done)
	}()

	<-ctx.Done()
	log.Printf("shutdown requested, waiting up to %s for in-flight jobs", shutdownTimeout)
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Printf("shutdown timeout reached; exiting with in-flight jobs")
	}
}

func envInt(key string, def int) int {
	val, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || val <= 0 {
		return def
	}
	return val
}
