package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/config"
	"github.com/nightlog/nightlog/internal/db"
	"github.com/nightlog/nightlog/internal/history"
	"github.com/nightlog/nightlog/internal/notify"
	"github.com/nightlog/nightlog/internal/reconcile"
	"github.com/nightlog/nightlog/internal/remote"
	"github.com/nightlog/nightlog/internal/repository"
	"github.com/nightlog/nightlog/internal/share"
)

// syncTimeout bounds the sync that follows a write.
const syncTimeout = 15 * time.Second

// app is everything one command invocation opens.
type app struct {
	cfg     config.Config
	bus     *notify.Bus
	private *db.Store
	shared  *db.Store
	repo    *repository.Durable
	tokens  *history.FileTokenStore

	// Nil when offline or no user is configured
	transport remote.Transport
	rec       *reconcile.Reconciler
	sharing   *share.Manager
	running   bool
}

// openApp opens both stores and, unless offline, the relay client with its
// reconciler and sharing manager.
func openApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, bus: notify.NewBus()}

	open := func(id activity.StoreID, path string) (*db.Store, error) {
		return db.Open(path, db.Options{
			Store:  id,
			Author: cfg.Author,
			Node:   cfg.DeviceID,
			Bus:    a.bus,
			Logger: newLogger("store:" + string(id)),
		})
	}

	var err error
	if a.private, err = open(activity.StorePrivate, cfg.PrivateDBPath()); err != nil {
		a.Close()
		return nil, err
	}
	if a.shared, err = open(activity.StoreShared, cfg.SharedDBPath()); err != nil {
		a.Close()
		return nil, err
	}
	if a.tokens, err = history.OpenFileTokenStore(cfg.TokensPath()); err != nil {
		a.Close()
		return nil, err
	}

	a.repo, err = repository.NewDurable(repository.DurableConfig{
		Private: a.private,
		Shared:  a.shared,
		Bus:     a.bus,
		Logger:  newLogger("repository"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if offline || cfg.UserID == "" {
		return a, nil
	}

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: cfg.Relay.URL,
		Caller:  remote.Caller{User: cfg.UserID, Device: cfg.DeviceID},
		Logger:  newLogger("remote"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.transport = client

	a.rec, err = reconcile.New(client, a.tokens, a.bus, &reconcile.Config{
		User:         cfg.UserID,
		Debounce:     cfg.Sync.Debounce,
		PushInterval: cfg.Sync.PushInterval,
		PollInterval: cfg.Sync.PollInterval,
		WatchFiles:   cfg.Sync.WatchFiles,
		Logger:       newLogger("sync"),
	}, a.private, a.shared)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sharing, err = share.NewManager(client, a.private, a.shared, a.rec, &share.Config{
		User:   cfg.UserID,
		Logger: newLogger("share"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo.SetSharer(a.sharing)

	return a, nil
}

// online reports whether the relay can be used.
func (a *app) online() bool {
	return a.rec != nil
}

// requireOnline explains why a relay command cannot run.
func (a *app) requireOnline() error {
	if a.online() {
		return nil
	}
	if offline {
		return errors.New("this command needs the relay; drop --offline")
	}
	return a.cfg.RequireUser()
}

// syncAfterWrite pushes local writes right away. Failures are logged; the
// next sync retries them.
func (a *app) syncAfterWrite(ctx context.Context) {
	if !a.online() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := a.rec.SyncNow(ctx); err != nil {
		newLogger("sync").Printf("Warning: sync after write failed: %v", err)
	}
}

// Close releases everything openApp opened.
func (a *app) Close() {
	if a.rec != nil && a.running {
		_ = a.rec.Stop()
	}
	for _, s := range []*db.Store{a.private, a.shared} {
		if s != nil {
			if err := s.Close(); err != nil {
				newLogger("store").Printf("Warning: %v", err)
			}
		}
	}
	a.bus.Close()
}

// store returns the local store named by id.
func (a *app) store(id string) (*db.Store, error) {
	switch activity.StoreID(id) {
	case activity.StorePrivate:
		return a.private, nil
	case activity.StoreShared:
		return a.shared, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want %s or %s)", id, activity.StorePrivate, activity.StoreShared)
	}
}
