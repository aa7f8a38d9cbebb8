package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hostbridge/mcphub/pkg/catalog"
	"github.com/hostbridge/mcphub/pkg/configstore"
	"github.com/hostbridge/mcphub/pkg/endpointmgr"
	"github.com/hostbridge/mcphub/pkg/eventbus"
)

type app struct {
	configPath string
	logLevel   string
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "mcphub",
		Short:         "Manage MCP endpoints and serve their aggregated tool catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "endpoint settings file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newEndpointsCmd(a))
	cmd.AddCommand(newToolsCmd(a))
	return cmd
}

func (a *app) setup() error {
	var level slog.Level
	switch strings.ToLower(a.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", a.logLevel)
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return nil
}

type stack struct {
	store    *configstore.FileStore
	bus      *eventbus.Bus
	catalog  *catalog.Catalog
	registry *endpointmgr.Registry
}

// buildStack wires the store, bus, catalog, and registry together. Endpoints
// are not connected until the caller invokes registry.Load.
func (a *app) buildStack() (*stack, error) {
	store, err := configstore.Open(a.configPath)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	cat := catalog.New(nil)
	reg := endpointmgr.NewRegistry(store, cat, bus, endpointmgr.Options{Logger: a.logger})
	return &stack{store: store, bus: bus, catalog: cat, registry: reg}, nil
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mcphub", "endpoints.yaml")
	}
	return "endpoints.yaml"
}
