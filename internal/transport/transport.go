// Package transport defines the master capability surface a chip
// context binds against and a small process-wide registry of active
// masters (§5 "Process-wide registry of masters (bounded array, <=4),
// populated by transport init, consumed by probe").
//
// The registry itself has no flash-specific analogue in the teacher
// repo (S370 has no equivalent of hot-swappable transport backends);
// it is grounded on the shutdown-stack/LIFO-teardown shape the teacher
// uses elsewhere (emu/sys_channel's channel table) generalized to a
// small bounded slice with named registration instead of numeric slots.
package transport

import (
	"context"
	"fmt"

	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/chipio"
)

// MaxMasters bounds the process-wide registry (§5).
const MaxMasters = 4

// Factory builds a bound chipio.Master from a parsed parameter map
// (§6 "Programmer parameter strings"). Concrete transport packages
// (spiflash, mtd, dummy) register one Factory each under a name.
type Factory func(ctx context.Context, params map[string]string) (chipio.Master, error)

// Registry holds the masters a frontend has made available this
// process, keyed by name, bounded to MaxMasters entries (§5).
type Registry struct {
	entries []entry
}

type entry struct {
	name    string
	factory Factory
}

// ErrRegistryFull is returned once MaxMasters factories are registered
// (§7 "Resource errors... limit exceeded").
var ErrRegistryFull = fmt.Errorf("transport: registry full (max %d masters)", MaxMasters)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named Factory, failing once the bounded capacity is
// reached or the name is already taken.
func (r *Registry) Register(name string, f Factory) error {
	if len(r.entries) >= MaxMasters {
		return ErrRegistryFull
	}
	for _, e := range r.entries {
		if e.name == name {
			return fmt.Errorf("transport: %q already registered", name)
		}
	}
	r.entries = append(r.entries, entry{name: name, factory: f})
	return nil
}

// Names returns the registered master names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Open builds a master by name with the given parameters (§6
// "--programmer <name>[:k=v[,k=v]...]").
func (r *Registry) Open(ctx context.Context, name string, params map[string]string) (chipio.Master, error) {
	for _, e := range r.entries {
		if e.name == name {
			return e.factory(ctx, params)
		}
	}
	return nil, fmt.Errorf("transport: no such programmer %q", name)
}

// Probe binds master to d and runs d's Probe hook (when one is bound)
// or, lacking that, accepts the caller's explicit chip selection
// outright. A hook error is always returned. A negative probe is
// returned as an error unless force is set; with force the context is
// returned with ok=false and the session proceeds anyway.
func Probe(ctx context.Context, master chipio.Master, d *chip.Descriptor, force bool) (*chipio.Context, bool, error) {
	c := chipio.New(d, master)
	if d.Probe == nil {
		return c, true, nil
	}
	ok, err := d.Probe(c)
	if err != nil {
		return nil, false, fmt.Errorf("transport: probing %q: %w", d.Name, err)
	}
	if !ok && !force {
		return nil, false, fmt.Errorf("transport: chip %q did not respond to probe (use --force to proceed anyway)", d.Name)
	}
	return c, ok, nil
}
