package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostbridge/mcphub/pkg/catalog"
)

func newToolsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke aggregated tools",
	}
	cmd.AddCommand(newToolsListCmd(a))
	cmd.AddCommand(newToolsCallCmd(a))
	return cmd
}

func newToolsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Connect enabled endpoints and list the aggregated catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.buildStack()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := s.registry.Load(ctx); err != nil {
				return err
			}
			defer s.registry.CloseAll(context.Background())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CATALOG NAME\tENDPOINT\tTOOL\tDESCRIPTION")
			for _, entry := range s.catalog.Entries() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					entry.CatalogName, entry.EndpointID, entry.ToolName, entry.Tool.Description)
			}
			return w.Flush()
		},
	}
}

func newToolsCallCmd(a *app) *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "call <catalog-name>",
		Short: "Invoke an aggregated tool by its catalog name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
			}

			s, err := a.buildStack()
			if err != nil {
				return err
			}
			if err := s.registry.Load(cmd.Context()); err != nil {
				return err
			}
			defer s.registry.CloseAll(context.Background())

			invoker := catalog.NewInvoker(s.catalog, s.registry, a.logger)
			result, err := invoker.Invoke(cmd.Context(), args[0], toolArgs)
			var notFound *catalog.NotFoundError
			if errors.As(err, &notFound) {
				if endpointID, toolName, ok := catalog.SplitPrefixed(args[0]); ok {
					err = fmt.Errorf("no tool %q on endpoint %q; run `mcphub tools list` for the catalog: %w",
						toolName, endpointID, err)
				}
			}
			if result != nil {
				encoded, encErr := json.MarshalIndent(result, "", "  ")
				if encErr != nil {
					return encErr
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	return cmd
}
