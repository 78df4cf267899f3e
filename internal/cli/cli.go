// Package cli implements the mssqltask command line.
//
//	mssqltask run       -c config.yaml          # host every task until SIGINT/SIGTERM
//	mssqltask once      -c config.yaml <task>   # one immediate run, prints the ticket
//	mssqltask cron      -c config.yaml <task>   # derived cron expression and next firings
//	mssqltask validate  -c config.yaml
//	mssqltask history   -c config.yaml [task]   # recent runs from the sqlite store
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mssqltask/internal/app"
	"mssqltask/internal/config"
	"mssqltask/internal/dbexec"
	"mssqltask/internal/storage"
	"mssqltask/internal/task/trigger"
	"mssqltask/internal/ticket"
	logx "mssqltask/pkg/logx"
)

var Version = "dev"

// ErrRunFailed is returned by once --strict when an instance failed.
var ErrRunFailed = errors.New("run finished with failed instances")

const stopTimeout = 90 * time.Second

func NewRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "mssqltask",
		Short:         "Run SQL batches against many database instances on a schedule",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "config file (json or yaml)")

	root.AddCommand(
		newRunCommand(&cfgPath),
		newOnceCommand(&cfgPath),
		newCronCommand(&cfgPath),
		newValidateCommand(&cfgPath),
		newHistoryCommand(&cfgPath),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

func newRunCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Host every enabled task until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigs)

			if err := a.Start(ctx); err != nil {
				sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = a.Stop(sctx, app.StopFatalError)
				return err
			}

			reason := waitStop(ctx, a, sigs)
			runErr := a.Err()

			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(sctx, reason); err != nil {
				return err
			}
			return runErr
		},
	}
}

// waitStop blocks until a stop signal, ctx cancellation or a fatal app error.
// SIGHUP reloads and keeps waiting.
func waitStop(ctx context.Context, a *app.App, sigs <-chan os.Signal) app.StopReason {
	for {
		select {
		case s := <-sigs:
			switch s {
			case syscall.SIGHUP:
				if err := a.Reload(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
				continue
			case os.Interrupt:
				return app.StopSIGINT
			default:
				return app.StopSIGTERM
			}
		case <-ctx.Done():
			return app.StopAppStop
		case <-a.Done():
			return app.StopFatalError
		}
	}
}

func newOnceCommand(cfgPath *string) *cobra.Command {
	var (
		strict   bool
		withRows bool
		level    string
	)
	cmd := &cobra.Command{
		Use:   "once <task>",
		Short: "Run a task once now and print its ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			log := logx.NewConsole(cmd.ErrOrStderr(), level)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tk, err := app.RunOnce(ctx, cfg, args[0], log)
			if tk != nil {
				if perr := printTicket(cmd.OutOrStdout(), tk, withRows); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if strict && tk.Failed() > 0 {
				return fmt.Errorf("%w: %d of %d", ErrRunFailed, tk.Failed(), len(tk.Entries))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any instance failed")
	cmd.Flags().BoolVar(&withRows, "rows", false, "also print collected rows and messages (needs callback.rows/messages)")
	cmd.Flags().StringVar(&level, "log-level", "warn", "log level for stderr")
	return cmd
}

func newCronCommand(cfgPath *string) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "cron <task>",
		Short: "Print the cron expression of a task and its next firings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			tc, ok := cfg.Task(args[0])
			if !ok {
				return fmt.Errorf("unknown task %q", args[0])
			}
			spec, err := tc.Schedule.Spec()
			if err != nil {
				return err
			}
			loc, err := trigger.LoadLocation(cfg.Scheduler.Timezone)
			if err != nil {
				return err
			}
			next, err := trigger.PreviewNext(spec, loc, time.Now(), n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cron: %s\n", spec)
			for _, at := range next {
				fmt.Fprintln(out, at.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "next", "n", 5, "number of firings to print")
	return cmd
}

func newValidateCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			enabled := 0
			for _, t := range cfg.Tasks {
				if t.IsEnabled() {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d tasks (%d enabled)\n", len(cfg.Tasks), enabled)
			return nil
		},
	}
}

func newHistoryCommand(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [task]",
		Short: "List recent runs recorded in the sqlite ticket store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Storage == nil {
				return storage.ErrDisabled
			}
			sc, err := cfg.Storage.Store()
			if err != nil {
				return err
			}
			h, err := storage.OpenHistory(sc, logx.Nop())
			if err != nil {
				return err
			}
			defer h.Close()

			task := ""
			if len(args) == 1 {
				task = args[0]
			}
			recs, err := h.Recent(cmd.Context(), task, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func printHistory(w io.Writer, recs []storage.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tTASK\tDURATION\tINSTANCES\tFAILED\tROWS\tTICKET")
	for _, r := range recs {
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Start.Format(time.RFC3339), r.Task, dur, r.Instances, r.Failed, r.Rows, r.ID)
		for _, e := range r.Errors {
			// No tabs: the line stays out of column sizing.
			fmt.Fprintf(tw, "  ! %s\n", e)
		}
	}
	return tw.Flush()
}

type entryData struct {
	Ord      string                 `json:"ord"`
	Instance string                 `json:"instance"`
	Rows     []dbexec.Row           `json:"rows,omitempty"`
	Messages []dbexec.ServerMessage `json:"messages,omitempty"`
}

func printTicket(w io.Writer, tk *ticket.Ticket, withRows bool) error {
	b, err := tk.Snapshot()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, string(b)); err != nil {
		return err
	}
	if !withRows {
		return nil
	}
	enc := json.NewEncoder(w)
	for _, e := range tk.Entries {
		if len(e.RowData) == 0 && len(e.MessageData) == 0 {
			continue
		}
		if err := enc.Encode(entryData{Ord: e.Ord, Instance: e.Instance, Rows: e.RowData, Messages: e.MessageData}); err != nil {
			return err
		}
	}
	return nil
}
