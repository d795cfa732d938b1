package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lab-backend/internal/bootstrap"
	"lab-backend/internal/workflow"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	open func(configPath string) (*bootstrap.App, error)
	out  io.Writer
}

var validFormats = []string{"text", "json"}

func newRootCommand(open func(string) (*bootstrap.App, error), out io.Writer) *cobra.Command {
	opts := &rootOptions{open: open, out: out}

	cmd := &cobra.Command{
		Use:   "workflowctl",
		Short: "Inspect and run meeting-summary workflows",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "TOML config file layered over the environment")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newStepsCommand(opts))
	cmd.AddCommand(newStaleCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

func (o *rootOptions) withApp(fn func(app *bootstrap.App) error) error {
	app, err := o.open(o.ConfigPath)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()
	return fn(app)
}

func (o *rootOptions) writeJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStepsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <workflow-id>",
		Short: "List the recorded steps of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(app *bootstrap.App) error {
				steps, err := app.Coordinator.ListWorkflowSteps(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return opts.writeJSON(map[string]any{"workflowId": args[0], "steps": steps})
				}
				if len(steps) == 0 {
					fmt.Fprintf(opts.out, "no steps recorded for %s\n", args[0])
					return nil
				}
				fmt.Fprintln(opts.out, renderSteps(steps))
				return nil
			})
		},
	}
}

func newStaleCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List steps stuck in processing",
		Long: `List steps that entered processing before now minus --older-than and
never completed. Defaults to STALE_STEP_AFTER.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(app *bootstrap.App) error {
				threshold := olderThan
				if threshold <= 0 {
					threshold = app.Config.StaleStepAfter
				}
				steps, err := app.Coordinator.StaleSteps(cmd.Context(), threshold)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return opts.writeJSON(map[string]any{"olderThan": threshold.String(), "steps": steps})
				}
				if len(steps) == 0 {
					fmt.Fprintf(opts.out, "no steps processing longer than %s\n", threshold)
					return nil
				}
				fmt.Fprintln(opts.out, renderSteps(steps))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum time in processing")
	return cmd
}

type runOptions struct {
	File         string
	InitiatorID  string
	ScopeID      string
	MeetingType  string
	Title        string
	Attendees    []string
	LabName      string
	Recipients   []string
	Subject      string
	Tags         map[string]string
	Individually bool
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage for an audio or transcript file",
		Example: `  workflowctl run --file standup.txt --recipient alice@lab.test
  workflowctl run --file standup.m4a --recipient a@lab.test,b@lab.test --individually`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := ro.input()
			if err != nil {
				return err
			}
			return opts.withApp(func(app *bootstrap.App) error {
				result := app.Coordinator.RunComplete(cmd.Context(), in)
				if err := printResult(opts, result); err != nil {
					return err
				}
				if !result.Success {
					return errors.New(result.ErrorMessage)
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&ro.File, "file", "", "audio or transcript file")
	f.StringVar(&ro.InitiatorID, "initiator", "cli", "initiator id recorded on each step")
	f.StringVar(&ro.ScopeID, "scope", "", "lab id recorded on each step")
	f.StringVar(&ro.MeetingType, "meeting-type", "", "meeting type hint for extraction")
	f.StringVar(&ro.Title, "title", "", "meeting title")
	f.StringSliceVar(&ro.Attendees, "attendee", nil, "attendee name (repeatable)")
	f.StringVar(&ro.LabName, "lab-name", "", "lab name shown in the email")
	f.StringSliceVar(&ro.Recipients, "recipient", nil, "recipient address (repeatable)")
	f.StringVar(&ro.Subject, "subject", "", "email subject override")
	f.StringToStringVar(&ro.Tags, "tag", nil, "delivery tag key=value (repeatable)")
	f.BoolVar(&ro.Individually, "individually", false, "send one email per recipient")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (ro *runOptions) input() (workflow.CompleteInput, error) {
	data, err := os.ReadFile(ro.File)
	if err != nil {
		return workflow.CompleteInput{}, fmt.Errorf("read %s: %w", ro.File, err)
	}
	return workflow.CompleteInput{
		InitiatorID: ro.InitiatorID,
		ScopeID:     ro.ScopeID,
		Audio: workflow.TranscriptionInput{
			Audio:       data,
			ContentType: contentTypeFor(ro.File, data),
			FileName:    filepath.Base(ro.File),
		},
		MeetingType:  ro.MeetingType,
		Title:        ro.Title,
		Attendees:    ro.Attendees,
		LabName:      ro.LabName,
		Recipients:   ro.Recipients,
		Subject:      ro.Subject,
		Tags:         ro.Tags,
		Individually: ro.Individually,
	}, nil
}

func contentTypeFor(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func printResult(opts *rootOptions, result workflow.CompleteResult) error {
	if opts.Format == "json" {
		return opts.writeJSON(result)
	}
	rows := make([][]string, 0, len(result.Stages))
	for _, s := range result.Stages {
		status := workflow.StatusCompleted
		if !s.Success {
			status = workflow.StatusFailed
		}
		rows = append(rows, []string{
			string(s.Stage),
			status,
			strconv.FormatInt(s.ProcessingTimeMs, 10),
			s.ErrorMessage,
		})
	}
	fmt.Fprintf(opts.out, "workflow %s\n", result.WorkflowID)
	fmt.Fprintln(opts.out, renderTable(
		[]string{"Stage", "Status", "Ms", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func renderSteps(steps []workflow.Step) string {
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		ms := ""
		if s.ProcessingTimeMs != nil {
			ms = strconv.FormatInt(*s.ProcessingTimeMs, 10)
		}
		errMsg := ""
		if s.ErrorMessage != nil {
			errMsg = *s.ErrorMessage
		}
		rows = append(rows, []string{
			s.ID,
			s.WorkflowID,
			string(s.StepType),
			s.Status,
			s.StartedAt.UTC().Format(time.RFC3339),
			ms,
			truncate(errMsg, 60),
		})
	}
	return renderTable(
		[]string{"Step", "Workflow", "Type", "Status", "Started", "Ms", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
