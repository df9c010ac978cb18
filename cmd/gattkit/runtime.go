package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/devicefactory"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/session"
	"github.com/srg/gattkit/pkg/config"
	"github.com/srg/gattkit/pkg/operation"
)

// app is the per-invocation runtime shared by every command: the loaded
// config, a logger, the radio and the main queue that owns all session state.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	radio    device.Radio
	queue    *dispatch.Queue
	registry *session.Registry
}

func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// newApp validates the shared flags and opens the radio. Usage is silenced
// once it succeeds: anything failing later is a runtime error.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	radio, err := devicefactory.NewRadio(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open bluetooth radio: %w", err)
	}

	queue := dispatch.New("main", logger)
	return &app{
		cfg:      cfg,
		logger:   logger,
		radio:    radio,
		queue:    queue,
		registry: session.NewRegistry(radio, queue, cfg.SessionPolicy(), logger),
	}, nil
}

func (a *app) Close() {
	a.queue.Close()
}

// commandContext is cancelled on Ctrl+C or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runOperation runs execute against address and waits for the outcome.
// Cancelling ctx ends the run with ctx.Err() and still waits for the
// disconnect to finish so the radio is left clean.
func (a *app) runOperation(ctx context.Context, address string, execute operation.ExecuteFunc) error {
	op := operation.New(a.registry, device.NewPeripheral(address), a.cfg, a.logger)

	done := make(chan error, 1)
	op.Start(execute, func(err error) { done <- err })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.logger.WithField("address", address).Debug("Cancelling operation")
		op.End(ctx.Err())
		return <-done
	}
}
