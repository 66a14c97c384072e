package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/livewire/internal/config"
	"github.com/haasonsaas/livewire/internal/hubclient"
	"github.com/haasonsaas/livewire/pkg/models"
)

// =============================================================================
// Alerts Command Handlers
// =============================================================================

// apiTarget holds the flags shared by commands that call the hub API.
type apiTarget struct {
	configPath string
	apiURL     string
}

func (t apiTarget) client() (*hubclient.Client, error) {
	cfg, _, err := loadConfig(t.configPath)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg, nil)
	baseURL, err := apiBaseURL(cfg.Transport.Address, t.apiURL)
	if err != nil {
		return nil, err
	}
	return hubclient.New(baseURL, hubclient.WithLogger(logger))
}

func runAlertsList(cmd *cobra.Command, target apiTarget, ownerID string, jsonOut bool) error {
	client, err := target.client()
	if err != nil {
		return err
	}
	alerts, err := client.ListAlerts(cmd.Context(), ownerID)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(alerts)
	}
	if len(alerts) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No alerts for %s.\n", ownerID)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEVERITY\tREAD\tCREATED\tTITLE")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", a.ID, a.Severity, a.Read, a.CreatedAt.Local().Format(time.DateTime), a.Title)
	}
	return w.Flush()
}

func runAlertsSend(cmd *cobra.Command, target apiTarget, alert models.Alert) error {
	if err := alert.Validate(); err != nil {
		return err
	}
	client, err := target.client()
	if err != nil {
		return err
	}
	created, err := client.CreateAlert(cmd.Context(), alert)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created alert %s for %s\n", created.ID, created.OwnerID)
	return nil
}

func runAlertsReadAll(cmd *cobra.Command, target apiTarget, ownerID string) error {
	client, err := target.client()
	if err != nil {
		return err
	}
	updated, err := client.MarkAllRead(cmd.Context(), ownerID)
	if err != nil {
		return fmt.Errorf("mark alerts read: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Marked %d alert(s) read for %s\n", updated, ownerID)
	return nil
}

func runAlertsDelete(cmd *cobra.Command, target apiTarget, id string) error {
	client, err := target.client()
	if err != nil {
		return err
	}
	deleted, err := client.DeleteAlert(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted alert %s (%s)\n", deleted.ID, deleted.Title)
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	cfg, _, err := loadConfig(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (version %d, hub on %s%s)\n", path, cfg.Version, cfg.Server.Addr, cfg.Server.WSPath)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
