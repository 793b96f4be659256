package model

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Registry holds the active operational model set. Readers obtain a
// consistent snapshot via an atomic pointer load and are never blocked by
// a reload; reload validates the full incoming set before swapping, so a
// bad set leaves the previous snapshot untouched.
type Registry struct {
	current atomic.Pointer[snapshot]
	version atomic.Uint64
}

type snapshot struct {
	models   []*OperationalModel
	byID     map[string]*OperationalModel
	loadedAt time.Time
	version  uint64
}

// Load validates the model set and returns a registry holding it.
func Load(models []*OperationalModel) (*Registry, error) {
	snap, err := buildSnapshot(models, 1)
	if err != nil {
		return nil, err
	}

	r := &Registry{}
	r.version.Store(1)
	r.current.Store(snap)

	slog.Info("model registry loaded", "models", len(models), "version", 1)
	return r, nil
}

// buildSnapshot validates every model and indexes them by ID.
func buildSnapshot(models []*OperationalModel, version uint64) (*snapshot, error) {
	byID := make(map[string]*OperationalModel, len(models))
	for _, m := range models {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[m.ID]; dup {
			return nil, invalidf(m.ID, "id", "duplicate model ID")
		}
		byID[m.ID] = m
	}
	return &snapshot{
		models:   models,
		byID:     byID,
		loadedAt: time.Now().UTC(),
		version:  version,
	}, nil
}

// Reload atomically replaces the active model set. All-or-nothing: any
// invalid model rejects the whole reload and the old snapshot stays active.
func (r *Registry) Reload(models []*OperationalModel) error {
	version := r.version.Load() + 1
	snap, err := buildSnapshot(models, version)
	if err != nil {
		slog.Warn("model registry reload rejected", "error", err)
		return err
	}

	r.version.Store(version)
	r.current.Store(snap)

	slog.Info("model registry reloaded", "models", len(models), "version", version)
	return nil
}

// Snapshot returns the currently active model set. The returned slice is
// shared and must not be mutated.
func (r *Registry) Snapshot() []*OperationalModel {
	return r.current.Load().models
}

// Get returns the active model with the given ID.
func (r *Registry) Get(id string) (*OperationalModel, bool) {
	m, ok := r.current.Load().byID[id]
	return m, ok
}

// Len returns the number of active models.
func (r *Registry) Len() int {
	return len(r.current.Load().models)
}

// Version returns the snapshot version, incremented on each reload.
func (r *Registry) Version() uint64 {
	return r.current.Load().version
}

// LoadedAt returns when the active snapshot was installed.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// MinCorrelationWindow returns the smallest correlation window across
// active models. Used to derive the reaper sweep interval.
func (r *Registry) MinCorrelationWindow() time.Duration {
	var min time.Duration
	for _, m := range r.Snapshot() {
		if min == 0 || m.CorrelationWindow < min {
			min = m.CorrelationWindow
		}
	}
	return min
}
