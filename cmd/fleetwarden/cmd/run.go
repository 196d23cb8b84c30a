package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcastellin/fleetwarden/internal/app"
	"github.com/mcastellin/fleetwarden/internal/cloud"
	"github.com/mcastellin/fleetwarden/internal/config"
	"github.com/mcastellin/fleetwarden/internal/identity"
)

var configPath string
var bindHost string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the fleetwarden agent",
	Long:  `run loads the agent configuration, bootstraps against the IaaS provider, and starts gossiping.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(configPath, bindHost)
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to the agent's YAML configuration file")
	runCmd.Flags().StringVar(&bindHost, "bind-host", "0.0.0.0", "host address the gossip sockets bind to")
	runCmd.MarkFlagRequired("config")
}

func runAgent(configPath, bindHost string) error {
	logger := zap.Must(zap.NewProduction())
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	adapter := cloud.NewDigitalOceanClient(cfg.Key, logger)
	idProvider := identity.NewHTTPProvider()

	a, err := app.Build(cfg, adapter, idProvider, bindHost, logger)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	logger.Info("fleetwarden agent starting", zap.String("config", configPath))
	if err := a.Run(); err != nil {
		return fmt.Errorf("run agent: %w", err)
	}
	return nil
}
