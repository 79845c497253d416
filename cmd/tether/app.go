package main

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tether/activity"
	"pkt.systems/tether/core"
	"pkt.systems/tether/internal/appconfig"
	"pkt.systems/tether/internal/persist"
	"pkt.systems/tether/runapi"
)

// app bundles the wired client stack for one command invocation.
type app struct {
	cfg      appconfig.Config
	client   *runapi.Client
	activity *activity.Store
	session  *core.Session
	log      pslog.Logger
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp loads config and wires backend client, activity store (with the
// optional relay transport), and the session.
func buildApp(ctx context.Context, cfgPath string, sink core.EventSink) (*app, error) {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := loggerFromConfig(cfg)

	client, err := runapi.New(runapi.Config{
		BaseURL:        cfg.Backend.URL,
		APIKey:         cfg.Backend.APIKey,
		RequestTimeout: time.Duration(cfg.Backend.RequestTimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}

	kv, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}

	a := &app{cfg: cfg, client: client, log: logger}

	var transport activity.Transport
	if cfg.Relay.URL != "" {
		ws, err := activity.DialWS(cfg.Relay.URL, logger)
		if err != nil {
			return nil, err
		}
		transport = ws
		a.closers = append(a.closers, func() { _ = ws.Close() })
		logger.Info("activity relay connected", "url", cfg.Relay.URL)
	}

	store := activity.NewStore(kv, transport, logger)
	a.activity = store
	a.closers = append(a.closers, store.Close)

	session, err := core.NewSession(core.SessionConfig{
		HealthPollInterval: time.Duration(cfg.Stream.HealthPollSeconds) * time.Second,
	}, core.SessionDeps{
		Backend:  client,
		Activity: store,
		Sink:     sink,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	a.session = session
	a.closers = append(a.closers, session.Close)

	return a, nil
}
