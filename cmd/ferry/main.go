package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/semmidev/ferry/internal/app"
	"github.com/semmidev/ferry/internal/config"
	"github.com/semmidev/ferry/internal/domain"
	"github.com/semmidev/ferry/internal/infrastructure/logger"
)

const usage = `usage: ferry [-config path] <command> [flags] [args]

commands:
  serve                                  run the scheduler, health checks and cleanup
  batch [-size n] [-backup]              migrate every source entity in batches
  incremental [-interval d] [-since t] [-once]
                                         sync changes since t (RFC3339)
  status <job>                           show a job and its live progress
  list                                   list every job
  pause <job> | resume <job> | cancel <job>
  report <job>                           print the job's latest report
  backup -job <job> [-incremental -parent <backup>]
  backups [-job <job>]                   list backups, oldest first
  restore <backup> | delete-backup <backup>
  rollback [-reason text] <job>          undo a migration from its snapshot
  recover <job>                          run recovery for a failed job
  schedule create -name n -first t -pattern daily [-interval d]
  schedule list | schedule deactivate <schedule>
  cleanup                                delete backups past retention
  drive-auth [-addr host:port]           authorize the Google Drive target
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("ferry", flag.ExitOnError)
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configPath := global.String("config", "configs/config.yaml", "path to config file")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("no command given")
	}
	command, rest := global.Arg(0), global.Args()[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if command == "drive-auth" {
		return driveAuth(ctx, cfg, rest)
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer application.Shutdown()

	return dispatch(ctx, application, command, rest)
}

func dispatch(ctx context.Context, a *app.App, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)

	switch command {
	case "serve":
		return a.Run(ctx)

	case "batch":
		size := fs.Int("size", 0, "items per batch (default from config)")
		backup := fs.Bool("backup", false, "create a full backup before migrating")
		fs.Parse(args)
		job, err := a.RunBatch(ctx, *size, *backup)
		if err != nil {
			return err
		}
		return printJSON(job)

	case "incremental":
		interval := fs.Duration("interval", 0, "time between sync cycles (default from config)")
		since := fs.String("since", "", "watermark to sync from, RFC3339")
		once := fs.Bool("once", false, "run a single cycle")
		fs.Parse(args)
		var watermark time.Time
		if *since != "" {
			t, err := time.Parse(time.RFC3339, *since)
			if err != nil {
				return fmt.Errorf("invalid -since: %w", err)
			}
			watermark = t
		}
		job, err := a.RunIncremental(ctx, *interval, watermark, *once)
		if err != nil {
			return err
		}
		return printJSON(job)

	case "status":
		id, err := argument(fs, args, "job id")
		if err != nil {
			return err
		}
		status, err := a.Status(id)
		if err != nil {
			return err
		}
		return printJSON(status)

	case "list":
		batches, incrementals, err := a.ListJobs()
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"batch": batches, "incremental": incrementals})

	case "pause", "cancel":
		id, err := argument(fs, args, "job id")
		if err != nil {
			return err
		}
		state := "paused"
		if command == "pause" {
			err = a.Pause(id)
		} else {
			state = "cancelled"
			err = a.Cancel(ctx, id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", id, state)
		return nil

	case "resume":
		id, err := argument(fs, args, "job id")
		if err != nil {
			return err
		}
		status, err := a.Resume(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(status)

	case "report":
		id, err := argument(fs, args, "job id")
		if err != nil {
			return err
		}
		report, err := a.Report(id)
		if err != nil {
			return err
		}
		return printReport(os.Stdout, report)

	case "backup":
		jobID := fs.String("job", "", "job the backup belongs to")
		incremental := fs.Bool("incremental", false, "store only changes since -parent")
		parent := fs.String("parent", "", "parent backup id for incremental backups")
		fs.Parse(args)
		if *jobID == "" {
			return errors.New("-job is required")
		}
		result := a.Backup(ctx, *jobID, *incremental, *parent)
		return printResult(result, result.Success, result.Message)

	case "backups":
		jobID := fs.String("job", "", "only list backups of this job")
		fs.Parse(args)
		backups, err := a.ListBackups(*jobID)
		if err != nil {
			return err
		}
		return printJSON(backups)

	case "restore":
		id, err := argument(fs, args, "backup id")
		if err != nil {
			return err
		}
		result := a.Restore(ctx, id)
		return printResult(result, result.Success, result.Message)

	case "delete-backup":
		id, err := argument(fs, args, "backup id")
		if err != nil {
			return err
		}
		if err := a.DeleteBackup(ctx, id); err != nil {
			return err
		}
		fmt.Printf("%s: deleted\n", id)
		return nil

	case "rollback":
		reason := fs.String("reason", "manual rollback", "reason recorded with the rollback")
		fs.Parse(args)
		if fs.NArg() != 1 {
			return errors.New("rollback expects a job id")
		}
		result := a.Rollback(ctx, fs.Arg(0), *reason)
		return printResult(result, result.Success, result.Message)

	case "recover":
		id, err := argument(fs, args, "job id")
		if err != nil {
			return err
		}
		result, err := a.Recover(ctx, id)
		if err != nil {
			return err
		}
		return printResult(result, result.Success, result.Message)

	case "schedule":
		return schedule(a, args)

	case "cleanup":
		return a.Cleanup(ctx)
	}

	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", command)
}

func schedule(a *app.App, args []string) error {
	if len(args) == 0 {
		return errors.New("schedule expects create, list or deactivate")
	}
	fs := flag.NewFlagSet("schedule "+args[0], flag.ExitOnError)

	switch args[0] {
	case "create":
		name := fs.String("name", "", "schedule name")
		first := fs.String("first", "", "first run, RFC3339")
		pattern := fs.String("pattern", "daily", "hourly, daily, weekly or monthly")
		interval := fs.Duration("interval", 0, "sync interval of the started jobs")
		fs.Parse(args[1:])
		firstRun, err := time.Parse(time.RFC3339, *first)
		if err != nil {
			return fmt.Errorf("invalid -first: %w", err)
		}
		s, err := a.CreateSchedule(*name, firstRun, *pattern, *interval)
		if err != nil {
			return err
		}
		return printJSON(s)

	case "list":
		schedules, err := a.ListSchedules()
		if err != nil {
			return err
		}
		return printJSON(schedules)

	case "deactivate":
		id, err := argument(fs, args[1:], "schedule id")
		if err != nil {
			return err
		}
		if err := a.DeactivateSchedule(id); err != nil {
			return err
		}
		fmt.Printf("%s: deactivated\n", id)
		return nil
	}
	return fmt.Errorf("unknown schedule command %q", args[0])
}

func driveAuth(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("drive-auth", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8085", "address the consent callback listens on")
	fs.Parse(args)

	target, ok := cfg.DriveTarget()
	if !ok {
		return errors.New("no enabled gdrive upload target with client_secret_file")
	}

	l, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer l.Close()

	auth, err := app.NewDriveAuth(l, target)
	if err != nil {
		return err
	}
	return auth.Run(ctx, *addr)
}

func argument(fs *flag.FlagSet, args []string, name string) (string, error) {
	fs.Parse(args)
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s expects a %s", fs.Name(), name)
	}
	return fs.Arg(0), nil
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport prints the rendered text when a renderer produced one and the
// report itself otherwise.
func printReport(w io.Writer, report *domain.MigrationReport) error {
	if report.Rendered != "" {
		_, err := fmt.Fprintln(w, report.Rendered)
		return err
	}
	return writeJSON(w, report)
}

func printResult(v any, success bool, message string) error {
	if err := printJSON(v); err != nil {
		return err
	}
	if !success {
		return errors.New(message)
	}
	return nil
}
