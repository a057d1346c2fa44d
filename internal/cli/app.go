// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/engine"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/auth"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/internal/config"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/localstore"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/realtime/wsrealtime"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport/pgtransport"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/transport/resttransport"
)

// app is one opened engine with the resources behind it.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *localstore.SQLite
	engine  *engine.Engine
	closers []func() error
}

func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (_ *app, err error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	a := &app{cfg: cfg, logger: cfg.Logger(logOut)}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.store, err = localstore.OpenSQLite(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	a.closers = append(a.closers, a.store.Close)

	if cfg.DeviceID == "" {
		key := localstore.DefaultKeys(cfg.Namespace).Device
		if cfg.DeviceID, err = localstore.EnsureDeviceID(ctx, a.store, key); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to resolve device id", err)
		}
	}

	remote, err := a.openRemote(ctx, opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open remote", err)
	}
	connector := opts.Connector
	if connector == nil && opts.Remote == nil && cfg.Remote.RealtimeURL != "" {
		connector = &wsrealtime.Connector{
			URL:    cfg.Remote.RealtimeURL,
			APIKey: cfg.Remote.APIKey,
			Token:  a.token(),
			Logger: a.logger,
		}
	}

	ec, err := cfg.Engine(a.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	a.engine, err = engine.Open(ctx, a.store, remote, connector, ec)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	return a, nil
}

func (a *app) token() auth.TokenSource {
	if a.cfg.Remote.Token == "" {
		return nil
	}
	return auth.StaticToken(a.cfg.Remote.Token)
}

func (a *app) openRemote(ctx context.Context, opts *RootOptions) (transport.Transport, error) {
	if opts.Remote != nil {
		return opts.Remote, nil
	}
	switch a.cfg.Remote.Kind {
	case config.RemotePostgres:
		c, err := pgtransport.Connect(ctx, a.cfg.Remote.PostgresDSN, pgtransport.Config{
			Schema: a.cfg.Remote.Schema,
			Token:  a.token(),
			Logger: a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { c.Close(); return nil })
		return c, nil
	default:
		c, err := resttransport.New(resttransport.Config{
			BaseURL: a.cfg.Remote.URL,
			APIKey:  a.cfg.Remote.APIKey,
			Token:   a.token(),
			Timeout: a.cfg.Remote.Timeout,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Close shuts the engine down and releases resources in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withApp opens the app, runs fn and closes the app.
func withApp(ctx context.Context, opts *RootOptions, logOut io.Writer, fn func(a *app) error) error {
	a, err := openApp(ctx, opts, logOut)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.Close(ctx); err != nil && runErr == nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	return runErr
}
