package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ClientDaemon runs the agent and its control plane as one unit.
type ClientDaemon struct {
	client *Client
	config *DaemonConfig
	cps    *ControlPlaneServer
}

func NewClientDaemon(config *DaemonConfig) (*ClientDaemon, error) {
	client, err := New(config.Client)
	if err != nil {
		return nil, err
	}
	return &ClientDaemon{
		client: client,
		config: config,
	}, nil
}

func (d *ClientDaemon) Start(ctx context.Context) error {
	slog.Info("client daemon start")

	// the control plane serves live outbox state, so the client must be
	// fully set up before the listener accepts requests
	if err := d.client.Setup(ctx); err != nil {
		return fmt.Errorf("failed to set up client: %w", err)
	}

	cps, err := NewControlPlaneServer(d.config.ControlPlane, d.client.Outbox())
	if err != nil {
		return fmt.Errorf("failed to create control plane: %w", err)
	}
	d.cps = cps

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return d.client.Run(ctx)
	})

	eg.Go(func() error {
		if err := d.cps.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("received interrupt signal, stopping daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return d.cps.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client daemon failure", "error", err)
		return err
	}

	slog.Info("client daemon stopped")
	return nil
}
