// Command pipelinectl is the CLI surface spec.md §6 calls "trivial to layer
// on top": create/run/status/delete against the Job Store and Engine
// directly, no HTTP, no dashboard. Command wiring grounded on
// github.com/jorge-barreto/orc's cmd/orc/main.go use of urfave/cli/v3.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/bootstrap"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
)

func main() {
	app := &cli.Command{
		Name:  "pipelinectl",
		Usage: "Drive the markdown-to-video pipeline engine",
		Commands: []*cli.Command{
			createCmd(),
			runCmd(),
			statusCmd(),
			listCmd(),
			deleteCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func createCmd() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a new job from a markdown file",
		ArgsUsage: "<input.md>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "style", Usage: "Style preset name"},
			&cli.StringFlag{Name: "workdir", Usage: "Working directory for this job (default: <WORKSPACE_ROOT>/<random uuid>, not the job id)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			inputPath := cmd.Args().First()
			if inputPath == "" {
				return fmt.Errorf("input.md path is required")
			}

			app, err := bootstrap.New()
			if err != nil {
				return err
			}
			defer app.Close()

			workDir := cmd.String("workdir")
			if workDir == "" {
				workDir = app.Cfg.WorkspaceRoot + "/" + uuid.New().String()
			}
			j, err := app.Jobs.Create(ctx, inputPath, workDir, cmd.String("style"))
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			fmt.Println(j.ID.String())
			return nil
		},
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a job to completion (or until it blocks on a fatal error)",
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := parseJobID(cmd.Args().First())
			if err != nil {
				return err
			}

			app, err := bootstrap.New()
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Engine.RunOnce(ctx, id, ctx.Done())
			if err != nil {
				fmt.Fprintf(os.Stderr, "job %s ended with an error: %v\n", id, err)
			}
			fmt.Printf("job %s status=%s stage=%d/%s\n", res.JobID, res.Status, res.StageIndex, res.StageName)
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a job's current status",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the full job record as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := parseJobID(cmd.Args().First())
			if err != nil {
				return err
			}

			app, err := bootstrap.New()
			if err != nil {
				return err
			}
			defer app.Close()

			j, err := app.Jobs.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			if cmd.Bool("json") {
				raw, err := json.MarshalIndent(j, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			}
			fmt.Printf("%s  status=%-10s stage=%d/%s attempts=%d degraded=%d\n",
				j.ID, j.Status, j.StageIndex, j.StageName, j.Attempts, j.DegradedCount)
			return nil
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List jobs, optionally filtered by status",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "Filter by status (pending, running, succeeded, degraded, failed, cancelled)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := bootstrap.New()
			if err != nil {
				return err
			}
			defer app.Close()

			jobs, err := app.Jobs.List(ctx, domain.JobStatus(cmd.String("status")))
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-10s  stage=%d/%s  created=%s\n",
					j.ID, j.Status, j.StageIndex, j.StageName, j.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func deleteCmd() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a job record",
		ArgsUsage: "<job-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := parseJobID(cmd.Args().First())
			if err != nil {
				return err
			}

			app, err := bootstrap.New()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Jobs.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete job: %w", err)
			}
			fmt.Printf("deleted %s\n", id)
			return nil
		},
	}
}

func parseJobID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("job-id argument is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", raw, err)
	}
	return id, nil
}

