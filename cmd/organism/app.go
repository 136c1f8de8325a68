package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/config"
	"github.com/Mindburn-Labs/organism/pkg/observability"
	"github.com/Mindburn-Labs/organism/pkg/store"
)

// app holds what every command opens from configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	audit     audit.Store
	bindings  store.BindingStore
	telemetry *observability.Provider
	closers   []func() error
}

func setup(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, logger: logger}

	if err := rt.openAudit(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.telemetry, err = observability.New(ctx, cfg.ObservabilityConfig(), logger)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *app) openAudit(ctx context.Context) error {
	a := rt.cfg.Audit
	switch a.Backend {
	case "memory":
		rt.audit = store.NewMemoryAuditStore()
		rt.bindings = store.NewMemoryBindingStore()
	case "file":
		if err := os.MkdirAll(filepath.Dir(a.Path), 0o750); err != nil {
			return fmt.Errorf("audit dir: %w", err)
		}
		fs, err := store.OpenFileAuditStore(a.Path)
		if err != nil {
			return err
		}
		rt.audit = fs
		rt.bindings = store.NewMemoryBindingStore()
		rt.closers = append(rt.closers, fs.Close)
	case "sqlite", "postgres":
		d, err := store.ParseDialect(a.Backend)
		if err != nil {
			return err
		}
		db, err := store.OpenDB(ctx, d, a.DSN)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, db.Close)
		sa := store.NewSQLAuditStore(db, d)
		if err := sa.Init(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		sb := store.NewSQLBindingStore(db, d)
		if err := sb.Init(ctx); err != nil {
			return fmt.Errorf("binding schema: %w", err)
		}
		rt.audit, rt.bindings = sa, sb
	default:
		return fmt.Errorf("unsupported audit backend %q", a.Backend)
	}
	return nil
}

// Close releases everything setup opened, last opened first.
func (rt *app) Close(ctx context.Context) error {
	var errs []error
	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}
