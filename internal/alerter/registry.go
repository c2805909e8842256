package alerter

import (
	"fmt"
	"sync"
	"time"

	"github.com/hostwatch/hostwatch/internal/types"
)

type entry struct {
	mutedUntil time.Time
	active     bool
	latched    bool // active only because the monitoring API was unreachable
}

// Transition is the outcome of a state update made under the registry lock
type Transition struct {
	Muted   bool // the key was muted and its state left untouched
	Changed bool
	Latched bool // the previous active state came only from an outage
}

// Registry holds mute and active state for the fixed set of metric keys.
// A single mutex guards every read and write.
type Registry struct {
	mu      sync.Mutex
	entries map[types.MetricKey]*entry
	now     func() time.Time
}

// NewRegistry creates a registry with every key inactive and unmuted
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	entries := make(map[types.MetricKey]*entry, len(types.MetricKeys))
	for _, key := range types.MetricKeys {
		entries[key] = &entry{}
	}
	return &Registry{entries: entries, now: now}
}

func (r *Registry) lookup(key types.MetricKey) (*entry, error) {
	e, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownKey, key)
	}
	return e, nil
}

// Mute suppresses evaluation of key until now+d. Repeated calls overwrite the expiry.
func (r *Registry) Mute(key types.MetricKey, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(key)
	if err != nil {
		return err
	}
	e.mutedUntil = r.now().Add(d)
	return nil
}

// MuteAll mutes every key for d
func (r *Registry) MuteAll(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until := r.now().Add(d)
	for _, e := range r.entries {
		e.mutedUntil = until
	}
}

// Unmute clears the mute of key. Unmuting an unmuted key is a no-op.
func (r *Registry) Unmute(key types.MetricKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(key)
	if err != nil {
		return err
	}
	e.mutedUntil = time.Time{}
	return nil
}

// IsMuted reports whether key is muted right now. Unknown keys are never muted.
func (r *Registry) IsMuted(key types.MetricKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}
	return r.now().Before(e.mutedUntil)
}

// MutedUntil returns the mute expiry of key, zero when never muted
func (r *Registry) MutedUntil(key types.MetricKey) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(key)
	if err != nil {
		return time.Time{}, err
	}
	return e.mutedUntil, nil
}

// SetActive records the latest evaluation outcome for key and reports
// whether it differs from the previous one
func (r *Registry) SetActive(key types.MetricKey, active bool) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(key)
	if err != nil {
		return false, err
	}
	changed = e.active != active
	e.active = active
	e.latched = false
	return changed, nil
}

// SetActiveUnlessMuted records an evaluation outcome for key unless it is
// muted. The mute check and the write happen under one lock.
func (r *Registry) SetActiveUnlessMuted(key types.MetricKey, active bool) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(key)
	if err != nil {
		return Transition{}, err
	}
	if r.now().Before(e.mutedUntil) {
		return Transition{Muted: true}, nil
	}
	tr := Transition{Changed: e.active != active, Latched: e.latched}
	e.active = active
	e.latched = false
	return tr, nil
}

// LatchActive marks an unmuted key active because the monitoring API is
// unreachable. A key that was already active keeps its origin.
func (r *Registry) LatchActive(key types.MetricKey) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(key)
	if err != nil {
		return Transition{}, err
	}
	if r.now().Before(e.mutedUntil) {
		return Transition{Muted: true}, nil
	}
	if e.active {
		return Transition{Latched: e.latched}, nil
	}
	e.active = true
	e.latched = true
	return Transition{Changed: true, Latched: true}, nil
}

// IsActive reports the last recorded outcome for key
func (r *Registry) IsActive(key types.MetricKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	return ok && e.active
}

// ListActive returns the active keys in evaluation order
func (r *Registry) ListActive() []types.MetricKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []types.MetricKey
	for _, key := range types.MetricKeys {
		if r.entries[key].active {
			keys = append(keys, key)
		}
	}
	return keys
}

// ListMuted returns the currently muted keys in evaluation order
func (r *Registry) ListMuted() []types.MetricKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var keys []types.MetricKey
	for _, key := range types.MetricKeys {
		if now.Before(r.entries[key].mutedUntil) {
			keys = append(keys, key)
		}
	}
	return keys
}

// States returns a copy of every entry in evaluation order
func (r *Registry) States() []types.AlertState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	states := make([]types.AlertState, 0, len(types.MetricKeys))
	for _, key := range types.MetricKeys {
		e := r.entries[key]
		states = append(states, types.AlertState{
			Key:        key,
			MutedUntil: e.mutedUntil,
			Muted:      now.Before(e.mutedUntil),
			Active:     e.active,
		})
	}
	return states
}
