package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RezaEskandarii/gofire/app"
	"github.com/RezaEskandarii/gofire/client"
	"github.com/RezaEskandarii/gofire/internal/db"
	"github.com/RezaEskandarii/gofire/jobmanager"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/RezaEskandarii/gofire/types/config"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a scheduler node and block until SIGINT or SIGTERM",
	RunE:  runNode,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema and apply pending migrations",
	RunE:  runMigrate,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <function>",
	Short: "Add a one-shot time ticker",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <function> <expression>",
	Short: "Add a recurring cron ticker",
	Args:  cobra.ExactArgs(2),
	RunE:  runSchedule,
}

var (
	enqueueAt      string
	enqueueRetries int
	requestJSON    string
)

func init() {
	enqueueCmd.Flags().StringVar(&enqueueAt, "at", "", "RFC 3339 execution time (default now)")
	enqueueCmd.Flags().IntVar(&enqueueRetries, "retries", 0, "Retries after the first failed attempt")
	enqueueCmd.Flags().StringVar(&requestJSON, "request", "", "JSON request payload")
	scheduleCmd.Flags().StringVar(&requestJSON, "request", "", "JSON request payload")
}

func loadConfig() (*config.GofireConfig, error) {
	s, err := loadSettings(newViper(), configPath)
	if err != nil {
		return nil, err
	}
	return s.toConfig()
}

// registerBuiltins adds the functions every CLI node can run.
func registerBuiltins(cfg *config.GofireConfig) error {
	err := cfg.RegisterFunc("echo", func(ctx context.Context, ec *types.ExecutionContext) error {
		fmt.Printf("echo %s (retry %d): %s\n", ec.ID, ec.RetryCount, string(ec.Request))
		return nil
	})
	if err != nil {
		return err
	}
	return cfg.RegisterFunc("sleep", func(ctx context.Context, ec *types.ExecutionContext) error {
		var seconds int
		if err := ec.Decode(&seconds); err != nil {
			return err
		}
		select {
		case <-time.After(time.Duration(seconds) * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, config.WithPriority(types.PriorityLongRunning))
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := registerBuiltins(cfg); err != nil {
		return err
	}
	jm, err := jobmanager.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return jm.GracefulExit(cfg.ShutdownDrainTimeout)
}

// withAdmin opens the store without starting a node. The returned manager
// accepts any function name.
func withAdmin(ctx context.Context, fn func(c *app.Container, jm *client.JobManager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := app.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		c.Tasks.Stop()
		_ = c.Close()
	}()
	jm := client.NewJobManager(c.Store, nil, c.LockManager, nil, nil, c.Clock, c.Logger)
	return fn(c, jm)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	return withAdmin(cmd.Context(), func(c *app.Container, jm *client.JobManager) error {
		if c.DB == nil {
			return errors.New("migrate needs the postgres storage")
		}
		return db.Init(cmd.Context(), c.DB, c.LockManager, c.Logger)
	})
}

func parseRequest() (json.RawMessage, error) {
	if requestJSON == "" {
		return nil, nil
	}
	if !json.Valid([]byte(requestJSON)) {
		return nil, errors.Newf("request is not valid JSON: %s", requestJSON)
	}
	return json.RawMessage(requestJSON), nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	request, err := parseRequest()
	if err != nil {
		return err
	}
	at := time.Now().UTC()
	if enqueueAt != "" {
		if at, err = time.Parse(time.RFC3339, enqueueAt); err != nil {
			return errors.Wrap(err, "parse --at")
		}
	}
	return withAdmin(cmd.Context(), func(c *app.Container, jm *client.JobManager) error {
		added, err := jm.AddTimeTicker(cmd.Context(), types.TimeTicker{
			Function:      args[0],
			ExecutionTime: &at,
			Retries:       enqueueRetries,
			Request:       request,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), added.ID)
		return nil
	})
}

func runSchedule(cmd *cobra.Command, args []string) error {
	request, err := parseRequest()
	if err != nil {
		return err
	}
	return withAdmin(cmd.Context(), func(c *app.Container, jm *client.JobManager) error {
		id, err := jm.Schedule(cmd.Context(), args[0], args[1], request)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}
