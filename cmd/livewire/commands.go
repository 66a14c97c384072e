package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/livewire/pkg/models"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the livewire hub",
		Long: `Start the websocket hub and its HTTP API.

The hub persists chat messages and alerts in SQLite, relays typing and
presence frames, and publishes a change feed. Editing the config file while
the hub runs applies a new logging level without a restart.`,
		Example: `  livewire serve
  livewire serve --config /etc/livewire/livewire.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: livewire.yaml, or set LIVEWIRE_CONFIG)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		opts       chatOptions
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a support chat session from the terminal",
		Long: `Join a chat session as a customer or agent.

Each line you type is sent as a message. Messages typed while the hub is
unreachable are queued and sent on reconnect. Commands:

  /read   mark the session's unread messages as read
  /who    show who is online
  /quit   leave the session`,
		Example: `  livewire chat --session s-42 --id cust-1 --name Alice
  livewire chat --session s-42 --id agent-7 --name Sam --role agent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Chat session ID")
	cmd.Flags().StringVar(&opts.participantID, "id", "", "Your participant ID")
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name shown to others")
	cmd.Flags().StringVar(&opts.role, "role", string(models.RoleCustomer), "Participant role (customer or agent)")
	cmd.Flags().StringVar(&opts.apiURL, "api", "", "Hub HTTP base URL (default: derived from transport.address)")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// =============================================================================
// Watch Command
// =============================================================================

func buildWatchCmd() *cobra.Command {
	var (
		configPath string
		opts       watchOptions
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print change events as JSON lines",
		Long: `Subscribe to the change feed and print every matching event.

Events come from the hub's websocket feed, or from Postgres LISTEN/NOTIFY
when database.postgres_url is set. With --owner the owner's alerts are
loaded and new ones are announced as they arrive.`,
		Example: `  livewire watch --resource chat_messages
  livewire watch --resource alerts --filter owner_id=cust-1
  livewire watch --owner cust-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, configPath, opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringSliceVar(&opts.resources, "resource", nil, "Resource classes to watch (default: all)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Equality filter as column=value")
	cmd.Flags().StringVar(&opts.ownerID, "owner", "", "Track alerts for this owner")
	cmd.Flags().StringVar(&opts.apiURL, "api", "", "Hub HTTP base URL (default: derived from transport.address)")
	return cmd
}

// =============================================================================
// Alerts Commands
// =============================================================================

// buildAlertsCmd creates the "alerts" command group for the hub's alert API.
func buildAlertsCmd() *cobra.Command {
	var target apiTarget
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage alerts through the hub API",
	}
	cmd.PersistentFlags().StringVarP(&target.configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&target.apiURL, "api", "", "Hub HTTP base URL (default: derived from transport.address)")
	cmd.AddCommand(
		buildAlertsListCmd(&target),
		buildAlertsSendCmd(&target),
		buildAlertsReadAllCmd(&target),
		buildAlertsDeleteCmd(&target),
	)
	return cmd
}

func buildAlertsListCmd(target *apiTarget) *cobra.Command {
	var (
		ownerID string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertsList(cmd, *target, ownerID, jsonOut)
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Alert owner ID")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON instead of a table")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func buildAlertsSendCmd(target *apiTarget) *cobra.Command {
	var alert models.Alert
	var severity string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Create an alert for an owner",
		Example: `  livewire alerts send --owner cust-1 --title "Deposit received" --severity success`,
		RunE: func(cmd *cobra.Command, args []string) error {
			alert.Severity = models.Severity(severity)
			return runAlertsSend(cmd, *target, alert)
		},
	}
	cmd.Flags().StringVar(&alert.OwnerID, "owner", "", "Alert owner ID")
	cmd.Flags().StringVar(&alert.Title, "title", "", "Alert title")
	cmd.Flags().StringVar(&alert.Body, "body", "", "Alert body")
	cmd.Flags().StringVar(&severity, "severity", string(models.SeverityInfo), "Severity (info, success, warning, error)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func buildAlertsReadAllCmd(target *apiTarget) *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "read-all",
		Short: "Mark all of an owner's alerts as read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertsReadAll(cmd, *target, ownerID)
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Alert owner ID")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func buildAlertsDeleteCmd(target *apiTarget) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <alert-id>",
		Short: "Delete an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertsDelete(cmd, *target, args[0])
		},
	}
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect livewire configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}
