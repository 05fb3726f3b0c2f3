package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tallyhq/tally/internal/client/config"
	"github.com/tallyhq/tally/internal/client/netstate"
	"github.com/tallyhq/tally/internal/client/outbox"
	"github.com/tallyhq/tally/internal/client/workspace"
	"github.com/tallyhq/tally/internal/tallysdk"
)

// queueablePrefixes lists the app resources whose writes survive offline.
// Auth and reporting endpoints fail synchronously on purpose.
var queueablePrefixes = []string{
	"/api/bills",
	"/api/cards",
	"/api/alerts",
	"/api/loaned-out",
	"/api/settings",
}

// conflictRules maps editable resources to the list endpoint that reveals
// current server state.
func conflictRules() ([]outbox.ConflictRule, error) {
	specs := []struct {
		pattern   string
		endpoint  string
		listField string
	}{
		{`^/api/bills/([^/]+)$`, "/api/bills", "bills"},
		{`^/api/cards/([^/]+)$`, "/api/cards", "cards"},
		{`^/api/alerts/([^/]+)$`, "/api/alerts", "alerts"},
		{`^/api/loaned-out/([^/]+)$`, "/api/loaned-out", "items"},
	}

	rules := make([]outbox.ConflictRule, 0, len(specs))
	for _, s := range specs {
		rule, err := outbox.NewConflictRule(s.pattern, s.endpoint, s.listField, "id")
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Client owns the offline queue runtime: workspace, sqlite-backed store,
// server SDK, connectivity monitor and the outbox manager.
type Client struct {
	config    *config.Config
	workspace *workspace.Workspace
	sdk       *tallysdk.TallySDK
	storage   *outbox.SQLiteStorage
	manager   *outbox.Manager
}

func New(cfg *config.Config) (*Client, error) {
	ws, err := workspace.NewWorkspace(cfg.DataDir, cfg.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	tokens := tallysdk.NewTokenSource(cfg.ServerURL, cfg.RefreshToken)
	sdk, err := tallysdk.New(cfg.ServerURL, tokens.Provider())
	if err != nil {
		return nil, fmt.Errorf("failed to create sdk: %w", err)
	}

	return &Client{
		config:    cfg,
		workspace: ws,
		sdk:       sdk,
	}, nil
}

// Setup locks the workspace, opens storage and starts the outbox manager.
// Must be called before Run so the control plane has a live manager to serve.
func (c *Client) Setup(ctx context.Context) error {
	slog.Info("tally agent start", "datadir", c.config.DataDir, "email", c.config.Email, "server", c.config.ServerURL)

	if err := c.workspace.Setup(); err != nil {
		return err
	}

	storage := outbox.NewSQLiteStorage(c.workspace.DBPath)
	if err := storage.Open(); err != nil {
		return fmt.Errorf("failed to open outbox storage: %w", err)
	}
	c.storage = storage

	store := outbox.NewStore(outbox.StoreConfig{Storage: storage})
	gate := outbox.NewGate(queueablePrefixes)
	monitor := netstate.NewMonitor(c.sdk, netstate.DefaultProbeInterval)

	rules, err := conflictRules()
	if err != nil {
		return err
	}

	manager, err := outbox.NewManager(outbox.ManagerConfig{
		Store:         store,
		Gate:          gate,
		SDK:           c.sdk,
		Fetcher:       c.sdk,
		Monitor:       monitor,
		ConflictRules: rules,
	})
	if err != nil {
		return fmt.Errorf("failed to create outbox manager: %w", err)
	}
	c.manager = manager

	if err := c.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start outbox manager: %w", err)
	}

	return nil
}

// Run blocks until ctx is cancelled, then tears the stack down.
func (c *Client) Run(ctx context.Context) error {
	<-ctx.Done()
	slog.Info("received interrupt signal, stopping client")
	c.shutdown()
	return nil
}

// Outbox exposes the manager for the control plane.
func (c *Client) Outbox() *outbox.Manager {
	return c.manager
}

func (c *Client) shutdown() {
	if c.manager != nil {
		c.manager.Stop()
	}
	c.sdk.Close()
	if c.storage != nil {
		if err := c.storage.Close(); err != nil {
			slog.Error("failed to close outbox storage", "error", err)
		}
	}
	if err := c.workspace.Unlock(); err != nil {
		slog.Error("failed to unlock workspace", "error", err)
	}
	slog.Info("tally agent stop")
}
