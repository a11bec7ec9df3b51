package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"cliparr/internal/config"
)

// commandContext lazily loads configuration and builds the API client so
// commands that never touch the daemon (config init) stay independent.
type commandContext struct {
	configFlag *string
	apiFlag    *string

	once sync.Once
	cfg  *config.Config
	err  error
}

func (c *commandContext) config() (*config.Config, error) {
	c.once.Do(func() {
		c.cfg, _, _, c.err = config.Load(*c.configFlag)
	})
	return c.cfg, c.err
}

func (c *commandContext) client() (*apiClient, error) {
	if *c.apiFlag != "" {
		return newAPIClient(*c.apiFlag), nil
	}
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	if cfg.Paths.APIBind == "" {
		return nil, fmt.Errorf("no API address configured; set paths.api_bind or pass --api")
	}
	return newAPIClient(cfg.Paths.APIBind), nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var apiFlag string

	ctx := &commandContext{configFlag: &configFlag, apiFlag: &apiFlag}

	rootCmd := &cobra.Command{
		Use:           "cliparr",
		Short:         "Cliparr intro and credits trimmer CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", "", "daemon API address (host:port)")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newScanCommand(ctx))
	rootCmd.AddCommand(newRescanCommand(ctx))
	rootCmd.AddCommand(newSegmentsCommand(ctx))
	rootCmd.AddCommand(newSettingsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
