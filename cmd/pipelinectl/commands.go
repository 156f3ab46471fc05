package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/artstudio/pipeline/internal/middleware"
	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/orchestrator"
	"github.com/artstudio/pipeline/internal/service"
)

var errNoRedis = errors.New("redis is not available")

func newRootCmd(load envLoader) *cobra.Command {
	var e *env

	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Run and inspect the artwork inference pipeline",
		Long: `Run and inspect the artwork inference pipeline.

Every command reads the same configuration as the server (config.yaml and
environment variables). Output is JSON on stdout.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			e, err = load()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e != nil {
				e.Close()
			}
		},
	}

	var maxUnits int
	var async bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch due work once",
		Long: `Scan every item and dispatch due work in phase order, at most
--max-units units. With --async the run is queued for the server's worker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if async {
				if e.queue == nil {
					return errNoRedis
				}
				runID, err := e.queue.Enqueue(maxUnits)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"runId": runID, "status": "queued"})
			}
			summary, err := e.pipeline.Orchestrator.Run(cmd.Context(), orchestrator.RunOptions{MaxUnits: maxUnits})
			if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
				return perr
			}
			return err
		},
	}
	runCmd.Flags().IntVar(&maxUnits, "max-units", 0, "cap on dispatched units (default from config)")
	runCmd.Flags().BoolVar(&async, "async", false, "queue the run instead of running it here")

	var previewMax int
	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Show what a run would dispatch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := e.pipeline.Orchestrator.Preview(cmd.Context(), previewMax)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	previewCmd.Flags().IntVar(&previewMax, "max-units", 0, "cap on dispatched units (default from config)")

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <item> <task>",
		Short: "Request a task for an item",
		Long: `Set a task to wanted. Tasks: corner_detection, form_fill,
variant_regeneration.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := service.ParseTask(args[1])
			if err != nil {
				return err
			}
			rec, err := e.pipeline.Tasks.Enqueue(cmd.Context(), args[0], task)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <item> <task>",
		Short: "Force a task back to wanted",
		Long: `Move a task back to wanted whatever its state and clear its retry
budget. variant_generation resets every errored variant.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := service.ParseTask(args[1])
			if err != nil {
				return err
			}
			rec, err := e.pipeline.Tasks.Reset(cmd.Context(), args[0], task)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <item>",
		Short: "Print the metadata record of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := e.pipeline.Tasks.Show(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Print a stored run summary, the last one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.history == nil {
				return errNoRedis
			}
			var (
				summary *model.RunSummary
				err     error
			)
			if len(args) == 1 {
				summary, err = e.history.Get(cmd.Context(), args[0])
			} else {
				summary, err = e.history.Last(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}

	var ttl time.Duration
	var secret string
	tokenCmd := &cobra.Command{
		Use:   "token <operator-id>",
		Short: "Sign an operator API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = e.cfg.JWT.Secret
			}
			token, err := middleware.NewAuthMiddleware(secret).GenerateToken(args[0], "", ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	tokenCmd.Flags().StringVar(&secret, "secret", "", "signing secret (default from config)")

	root.AddCommand(runCmd, previewCmd, enqueueCmd, resetCmd, showCmd, historyCmd, tokenCmd)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
