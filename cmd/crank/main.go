package main

import (
	"context"
	"os"

	"github.com/crankci/crank/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 8480

func main() {
	logger := log.WithModule("crank")

	cmd := &cli.Command{
		Name:                  "crank",
		Usage:                 "Pipeline orchestration engine: triggers, runs, gates, runners",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "workflows-path",
				Usage:    "Directory containing workflow definition YAML files",
				Required: true,
				Sources:  cli.EnvVars("WORKFLOWS_PATH"),
			},
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Engine config file declaring runners and environments",
				Required: true,
				Sources:  cli.EnvVars("CRANK_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL (redis://... or a filesystem path)",
				Value:   "./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "artifacts-url",
				Usage:   "Artifact store URL (s3://endpoint/bucket or a filesystem path)",
				Value:   "./artifacts",
				Sources: cli.EnvVars("ARTIFACTS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (memory, kafka)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "work-root",
				Usage:   "Directory for per-job working directories",
				Sources: cli.EnvVars("WORK_ROOT"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port for the Prometheus metrics endpoint",
				Value:   9480,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing crank engine")

			daemon, err := NewDaemon(ctx, logger, Options{
				Port:          command.Int("port"),
				MetricsPort:   command.Int("metrics-port"),
				WorkflowsPath: command.String("workflows-path"),
				ConfigPath:    command.String("config"),
				DatabaseURL:   command.String("database-url"),
				ArtifactsURL:  command.String("artifacts-url"),
				EventBus:      command.String("event-bus"),
				WorkRoot:      command.String("work-root"),
			})
			if err != nil {
				return err
			}

			return daemon.Run(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
