package bench

import (
	"context"
	"fmt"
	"sync"

	"leakbench/types"
)

// Registry resolves roles to their stored configuration. Mutations stay in
// memory until Persist writes the whole table in one call.
type Registry struct {
	store DeviceStore

	mu      sync.RWMutex
	devices map[types.Role]types.DeviceConfig
	dirty   bool
}

// NewRegistry loads the device table; roles missing from the store get
// their factory defaults and are written on the next Persist.
func NewRegistry(ctx context.Context, store DeviceStore) (*Registry, error) {
	cfgs, err := store.LoadDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading devices: %w", err)
	}
	r := &Registry{store: store, devices: make(map[types.Role]types.DeviceConfig, 4)}
	for _, c := range cfgs {
		r.devices[c.Role] = clone(c)
	}
	for _, def := range types.DefaultDeviceConfigs() {
		if _, ok := r.devices[def.Role]; !ok {
			r.devices[def.Role] = def
			r.dirty = true
		}
	}
	return r, nil
}

func clone(c types.DeviceConfig) types.DeviceConfig {
	if c.SccmSetpoint != nil {
		v := *c.SccmSetpoint
		c.SccmSetpoint = &v
	}
	return c
}

func (r *Registry) Get(role types.Role) types.DeviceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clone(r.devices[role])
}

// All returns the table in role order.
func (r *Registry) All() []types.DeviceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.DeviceConfig, 0, len(r.devices))
	for _, role := range types.Roles() {
		out = append(out, clone(r.devices[role]))
	}
	return out
}

func (r *Registry) SetPort(role types.Role, port string) error {
	return r.Assign(map[types.Role]string{role: port})
}

// Assign moves several roles to new ports at once. The resulting table may
// not map one port to two roles.
func (r *Registry) Assign(ports map[types.Role]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[types.Role]string, len(r.devices))
	for role, c := range r.devices {
		next[role] = c.Port
	}
	for role, p := range ports {
		next[role] = p
	}
	if err := checkConflicts(next); err != nil {
		return err
	}
	for role, p := range ports {
		c := r.devices[role]
		if c.Port != p {
			c.Port = p
			r.devices[role] = c
			r.dirty = true
		}
	}
	return nil
}

func checkConflicts(ports map[types.Role]string) error {
	seen := make(map[string]types.Role, len(ports))
	for _, role := range types.Roles() {
		p := ports[role]
		if p == "" {
			continue
		}
		if other, ok := seen[p]; ok {
			return fmt.Errorf("%w: %s is configured for %s and %s", types.ErrPortConflict, p, other, role)
		}
		seen[p] = role
	}
	return nil
}

func (r *Registry) MarkAvailable(role types.Role, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.devices[role]
	if c.IsAvailable != available {
		c.IsAvailable = available
		r.devices[role] = c
		r.dirty = true
	}
}

func (r *Registry) SetSetpoint(role types.Role, sccm float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.devices[role]
	if c.SccmSetpoint == nil || *c.SccmSetpoint != sccm {
		c.SccmSetpoint = &sccm
		r.devices[role] = c
		r.dirty = true
	}
}

// Update applies an explicit configuration edit. Role and name are fixed.
func (r *Registry) Update(cfg types.DeviceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.devices[cfg.Role]
	if !ok {
		return fmt.Errorf("unknown device %s", cfg.Role)
	}
	next := make(map[types.Role]string, len(r.devices))
	for role, c := range r.devices {
		next[role] = c.Port
	}
	next[cfg.Role] = cfg.Port
	if err := checkConflicts(next); err != nil {
		return err
	}
	cfg.Name = cur.Name
	cfg.IsDefault = false
	r.devices[cfg.Role] = clone(cfg)
	r.dirty = true
	return nil
}

// Persist writes all pending mutations in one store call. It is a no-op
// when nothing changed.
func (r *Registry) Persist(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	snapshot := make([]types.DeviceConfig, 0, len(r.devices))
	for _, role := range types.Roles() {
		snapshot = append(snapshot, clone(r.devices[role]))
	}
	if err := r.store.SaveDevices(ctx, snapshot); err != nil {
		return fmt.Errorf("%w: saving devices: %v", types.ErrPersistenceFailure, err)
	}
	r.dirty = false
	return nil
}

func (r *Registry) unsaved() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}
