package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/parimutuel-engine/internal/events"
	"github.com/atmx/parimutuel-engine/internal/model"
	"github.com/atmx/parimutuel-engine/internal/program"
	"github.com/atmx/parimutuel-engine/internal/store"
)

// Initialize creates the config singleton. The signer becomes admin.
func (e *Engine) Initialize(ctx context.Context, signer string, p program.Params) (*model.Config, error) {
	var cfg *model.Config
	err := e.run(ctx, "initialize", store.ConfigLockKey, func() error {
		_, err := e.config(ctx)
		switch {
		case err == nil:
			return model.ErrAlreadyInitialized
		case !errors.Is(err, model.ErrNotInitialized):
			return err
		}

		p.Admin = signer
		next, err := program.Initialize(p, e.now())
		if err != nil {
			return err
		}
		var cs store.ChangeSet
		cs.PutConfig(next)
		if err := e.commit(ctx, &cs); err != nil {
			return err
		}
		cfg = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("program initialized", "admin", cfg.Admin, "treasury", cfg.Treasury, "keepers", len(cfg.Keepers))
	ev := e.event(events.ConfigInitialized, 0)
	ev.Actor = signer
	ev.Status = string(cfg.Status)
	e.publish(ctx, ev)
	return cfg, nil
}

// UpdateConfig applies a partial update. Every field is validated before
// anything is written.
func (e *Engine) UpdateConfig(ctx context.Context, signer string, u program.Update) (*model.Config, error) {
	cfg, err := e.mutateConfig(ctx, "update_config", signer, func(cfg *model.Config) error {
		return program.Apply(cfg, u)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("config updated", "version", cfg.Version, "by", signer)
	ev := e.event(events.ConfigUpdated, 0)
	ev.Actor = signer
	e.publish(ctx, ev)
	return cfg, nil
}

func (e *Engine) Pause(ctx context.Context, signer string) (*model.Config, error) {
	return e.setStatus(ctx, "pause", signer, program.Pause)
}

func (e *Engine) Unpause(ctx context.Context, signer string) (*model.Config, error) {
	return e.setStatus(ctx, "unpause", signer, program.Unpause)
}

func (e *Engine) EmergencyPause(ctx context.Context, signer string) (*model.Config, error) {
	return e.setStatus(ctx, "emergency_pause", signer, program.EmergencyPause)
}

func (e *Engine) EmergencyUnpause(ctx context.Context, signer string) (*model.Config, error) {
	return e.setStatus(ctx, "emergency_unpause", signer, program.EmergencyUnpause)
}

func (e *Engine) setStatus(ctx context.Context, op, signer string, step func(*model.Config) error) (*model.Config, error) {
	cfg, err := e.mutateConfig(ctx, op, signer, step)
	if err != nil {
		return nil, err
	}
	slog.Warn("program status changed", "status", cfg.Status, "by", signer)
	ev := e.event(events.ProgramStatusChanged, 0)
	ev.Actor = signer
	ev.Status = string(cfg.Status)
	e.publish(ctx, ev)
	return cfg, nil
}

// mutateConfig runs an admin-only step against the config under its lock.
// Admin operations run in every program status.
func (e *Engine) mutateConfig(ctx context.Context, op, signer string, step func(*model.Config) error) (*model.Config, error) {
	var cfg *model.Config
	err := e.run(ctx, op, store.ConfigLockKey, func() error {
		c, err := e.config(ctx)
		if err != nil {
			return err
		}
		if err := program.RequireAdmin(c, signer); err != nil {
			return err
		}
		if err := step(c); err != nil {
			return err
		}
		var cs store.ChangeSet
		cs.PutConfig(c)
		if err := e.commit(ctx, &cs); err != nil {
			return err
		}
		cfg = c
		return nil
	})
	return cfg, err
}
