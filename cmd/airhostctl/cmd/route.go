package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/airhost/airhost-gateway/internal/output"
	"github.com/airhost/airhost-gateway/internal/routing"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Channel route commands",
	Long:  "Inspect and manage the channel to host routes the gateway resolves",
}

var routeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRouteStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		routes, err := store.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list routes: %w", err)
		}

		return printer(cmd).Render(routes, func(t *output.Table) {
			t.Header("CHANNEL", "HOST", "PROPERTY", "WELCOME", "TEMPLATE", "LANGUAGE")
			for _, r := range routes {
				t.AddRow(r.ChannelID, r.HostID, r.PropertyID, strconv.FormatBool(r.WelcomeEnabled), r.Template(), r.Language())
			}
		})
	},
}

var routeGetCmd = &cobra.Command{
	Use:   "get [channel-id]",
	Short: "Resolve a channel to its route",
	Long:  "Resolve a channel the way the gateway does, including the default route fallback.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRouteStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		channelID := args[0]
		source := "configured"
		r, err := store.Get(cmd.Context(), channelID)
		if errors.Is(err, routing.ErrRouteNotFound) {
			source = "default"
			r, err = store.Resolve(cmd.Context(), channelID)
		}
		if err != nil {
			return fmt.Errorf("channel %s: %w", channelID, err)
		}

		return printer(cmd).Render(map[string]interface{}{"route": r, "source": source}, func(t *output.Table) {
			t.Header("FIELD", "VALUE")
			t.AddRow("channel", r.ChannelID)
			t.AddRow("source", source)
			t.AddRow("host", r.HostID)
			t.AddRow("property", r.PropertyID)
			t.AddRow("welcome", strconv.FormatBool(r.WelcomeEnabled))
			t.AddRow("template", r.Template())
			t.AddRow("language", r.Language())
			t.AddRow("access token", strconv.FormatBool(r.AccessToken != ""))
		})
	},
}

var routeSetCmd = &cobra.Command{
	Use:   "set [channel-id]",
	Short: "Create or update a route",
	Long: `Create or update the route for a channel in the database. Static routes
live in the routes file and are edited there.`,
	Example: `  airhostctl route set 604674832740532 --host-id 7d1f... --welcome --template bienvenue --language fr`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Routing.Backend != "postgres" {
			return fmt.Errorf("routing backend %q is read-only; edit %s instead", cfg.Routing.Backend, cfg.Routing.RoutesFile)
		}

		r := &routing.Route{ChannelID: args[0]}
		r.HostID, _ = cmd.Flags().GetString("host-id")
		r.PropertyID, _ = cmd.Flags().GetString("property-id")
		r.WelcomeEnabled, _ = cmd.Flags().GetBool("welcome")
		r.WelcomeTemplate, _ = cmd.Flags().GetString("template")
		r.TemplateLanguage, _ = cmd.Flags().GetString("language")
		r.AccessToken, _ = cmd.Flags().GetString("access-token")
		r.Instructions, _ = cmd.Flags().GetString("instructions")
		if r.HostID == "" {
			return fmt.Errorf("--host-id is required")
		}

		store, err := openRouteStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Upsert(cmd.Context(), r); err != nil {
			return fmt.Errorf("failed to save route: %w", err)
		}
		printer(cmd).Success("Route %s -> host %s saved", r.ChannelID, r.HostID)
		return nil
	},
}

// openRouteStore opens the configured route table.
func openRouteStore(ctx context.Context) (routing.Store, error) {
	def := routing.DefaultFromConfig(cfg.Routing.Default)
	switch cfg.Routing.Backend {
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("database.url is not configured")
		}
		return routing.NewPostgresStore(ctx, cfg.Database.URL, routing.PoolConfig{MaxConns: 2}, def)
	default:
		return routing.LoadStaticFile(cfg.Routing.RoutesFile, def)
	}
}

func init() {
	rootCmd.AddCommand(routeCmd)
	routeCmd.AddCommand(routeListCmd)
	routeCmd.AddCommand(routeGetCmd)
	routeCmd.AddCommand(routeSetCmd)

	routeSetCmd.Flags().String("host-id", "", "host owning the channel")
	routeSetCmd.Flags().String("property-id", "", "default property")
	routeSetCmd.Flags().Bool("welcome", false, "send the welcome template to new guests")
	routeSetCmd.Flags().String("template", "", "welcome template name (default: hello_world)")
	routeSetCmd.Flags().String("language", "", "template language code")
	routeSetCmd.Flags().String("access-token", "", "channel access token (kept when empty)")
	routeSetCmd.Flags().String("instructions", "", "property instructions given to message analysis")
}
