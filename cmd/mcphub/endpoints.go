package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostbridge/mcphub/pkg/endpointmgr"
)

func newEndpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "endpoints",
		Aliases: []string{"endpoint", "ep"},
		Short:   "Manage configured MCP endpoints",
	}
	cmd.AddCommand(newEndpointsListCmd(a))
	cmd.AddCommand(newEndpointsAddCmd(a))
	cmd.AddCommand(newEndpointsRemoveCmd(a))
	cmd.AddCommand(newEndpointsToggleCmd(a, true))
	cmd.AddCommand(newEndpointsToggleCmd(a, false))
	return cmd
}

func newEndpointsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.buildStack()
			if err != nil {
				return err
			}
			configs, err := s.store.Load()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tTARGET\tENABLED")
			for _, cfg := range configs {
				target := cfg.Command
				if cfg.Transport == endpointmgr.TransportSSE {
					target = cfg.URL
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", cfg.ID, cfg.Name, cfg.Transport, target, cfg.Enabled)
			}
			return w.Flush()
		},
	}
}

func newEndpointsAddCmd(a *app) *cobra.Command {
	var (
		name      string
		transport string
		command   string
		url       string
		authToken string
		env       []string
		disabled  bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an endpoint and, unless disabled, probe it by connecting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			envMap, err := parseEnvFlags(env)
			if err != nil {
				return err
			}
			s, err := a.buildStack()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			cfg, err := s.registry.Add(ctx, endpointmgr.EndpointConfig{
				Name:      name,
				Transport: endpointmgr.TransportKind(transport),
				Command:   command,
				URL:       url,
				AuthToken: authToken,
				Env:       envMap,
				Enabled:   !disabled,
			})
			if err != nil {
				return err
			}
			defer s.registry.CloseAll(context.Background())

			snap, _ := s.registry.Get(cfg.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Added endpoint %s (%s)\n", cfg.Name, cfg.ID)
			switch {
			case snap.Connected:
				fmt.Fprintf(cmd.OutOrStdout(), "Connected; %d tools discovered\n", len(snap.Tools))
			case !cfg.Enabled:
				fmt.Fprintln(cmd.OutOrStdout(), "Disabled; will not connect until enabled")
			case snap.LastError != nil:
				fmt.Fprintf(cmd.OutOrStdout(), "Not connected: %v\n", snap.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (required, unique)")
	cmd.Flags().StringVar(&transport, "transport", "process", `transport kind ("process" or "sse")`)
	cmd.Flags().StringVar(&command, "command", "", "command line for process endpoints")
	cmd.Flags().StringVar(&url, "url", "", "stream URL for sse endpoints")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "bearer token for sse endpoints")
	cmd.Flags().StringArrayVar(&env, "env", nil, "extra environment variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add without connecting")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newEndpointsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove an endpoint",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.buildStack()
			if err != nil {
				return err
			}
			configs, err := s.store.Load()
			if err != nil {
				return err
			}
			kept := configs[:0]
			for _, cfg := range configs {
				if cfg.ID != args[0] {
					kept = append(kept, cfg)
				}
			}
			if len(kept) == len(configs) {
				fmt.Fprintf(cmd.OutOrStdout(), "No endpoint with id %s\n", args[0])
				return nil
			}
			return s.store.Save(kept)
		},
	}
}

func newEndpointsToggleCmd(a *app, enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable an endpoint"
	if !enable {
		use, short = "disable <id>", "Disable an endpoint"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.buildStack()
			if err != nil {
				return err
			}
			configs, err := s.store.Load()
			if err != nil {
				return err
			}
			for i := range configs {
				if configs[i].ID == args[0] {
					configs[i].Enabled = enable
					return s.store.Save(configs)
				}
			}
			return fmt.Errorf("no endpoint with id %s", args[0])
		},
	}
}

func parseEnvFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --env value %q, expected KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}
