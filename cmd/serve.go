package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BDNK1/flowgate/config"
	"github.com/BDNK1/flowgate/runtime"
)

var (
	configPath   string
	host         string
	port         int
	dbPath       string
	workflowsDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	Long: `Serve loads the configuration, opens the state store, registers the
built-in and configured modules, restores persisted workflows and serves the
workflow API until interrupted.

Example:
  flowgate serve --config flowgate.yaml
  flowgate serve --port 9000 --workflows-dir ./workflows
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	serveCmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite state database path (overrides config)")
	serveCmd.Flags().StringVar(&workflowsDir, "workflows-dir", "", "Directory of workflow definition files to load at startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("db-path") {
		cfg.Store.Path = dbPath
	}
	if flags.Changed("workflows-dir") {
		cfg.WorkflowsDir = workflowsDir
	}
	if err := runtime.Validate(cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := newGateway(cfg, newLogger(cfg.Log, os.Stderr))
	return g.run(ctx)
}
