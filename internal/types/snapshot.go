package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Snapshot is the sampled value of one metric at one point in time
type Snapshot interface {
	MetricKey() MetricKey
	validate() error
}

// IPStatus is the public IP of the host
type IPStatus struct {
	IP string `json:"ip"`
}

// DiskStatus maps mount points to their free space percentage
type DiskStatus struct {
	Disks map[string]float64 `json:"disks"`
}

// AptStatus holds pending package update counts
type AptStatus struct {
	TotalUpdates    int `json:"total_updates"`
	CriticalUpdates int `json:"critical_updates"`
}

// LoadStatus holds the 1, 5 and 15 minute load averages
type LoadStatus struct {
	Load1m  float64 `json:"load_1m"`
	Load5m  float64 `json:"load_5m"`
	Load15m float64 `json:"load_15m"`
}

// MemoryStatus holds RAM and swap figures in MB
type MemoryStatus struct {
	AvailableRAM  float64 `json:"available_ram"`
	TotalRAM      float64 `json:"total_ram"`
	AvailableSwap float64 `json:"available_swap"`
	TotalSwap     float64 `json:"total_swap"`
}

// UsersStatus lists the users logged in to the host
type UsersStatus struct {
	UserCount int      `json:"user_count"`
	Usernames []string `json:"usernames"`
}

// ProcessStatus maps monitored process names to whether they are running
type ProcessStatus struct {
	Processes map[string]bool `json:"processes"`
}

func (IPStatus) MetricKey() MetricKey      { return KeyIP }
func (DiskStatus) MetricKey() MetricKey    { return KeyDisk }
func (AptStatus) MetricKey() MetricKey     { return KeyApt }
func (LoadStatus) MetricKey() MetricKey    { return KeyLoad }
func (MemoryStatus) MetricKey() MetricKey  { return KeyMemory }
func (UsersStatus) MetricKey() MetricKey   { return KeyUsers }
func (ProcessStatus) MetricKey() MetricKey { return KeyProcesses }

func (s IPStatus) validate() error {
	if s.IP == "" || s.IP == "-1" {
		return fmt.Errorf("invalid ip %q", s.IP)
	}
	return nil
}

func (s DiskStatus) validate() error {
	for mount, free := range s.Disks {
		if !finite(free) || free < 0 || free > 100 {
			return fmt.Errorf("mount %s: invalid free percentage %v", mount, free)
		}
	}
	return nil
}

func (s AptStatus) validate() error {
	if s.TotalUpdates < 0 || s.CriticalUpdates < 0 {
		return fmt.Errorf("negative update count")
	}
	return nil
}

func (s LoadStatus) validate() error {
	for _, v := range []float64{s.Load1m, s.Load5m, s.Load15m} {
		if !finite(v) || v < 0 {
			return fmt.Errorf("invalid load average %v", v)
		}
	}
	return nil
}

func (s MemoryStatus) validate() error {
	if !finite(s.TotalRAM) || s.TotalRAM <= 0 {
		return fmt.Errorf("invalid total_ram %v", s.TotalRAM)
	}
	for _, v := range []float64{s.AvailableRAM, s.AvailableSwap, s.TotalSwap} {
		if !finite(v) || v < 0 {
			return fmt.Errorf("invalid memory figure %v", v)
		}
	}
	return nil
}

func (s UsersStatus) validate() error {
	if s.UserCount < 0 {
		return fmt.Errorf("negative user_count")
	}
	return nil
}

func (s ProcessStatus) validate() error {
	if s.Processes == nil {
		return fmt.Errorf("processes is null")
	}
	return nil
}

// Validate checks a locally built snapshot with the same rules DecodeSnapshot
// applies to received ones
func Validate(s Snapshot) error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, s.MetricKey(), err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// requiredFields lists the JSON fields each snapshot must carry
var requiredFields = map[MetricKey][]string{
	KeyIP:        {"ip"},
	KeyDisk:      {"disks"},
	KeyApt:       {"total_updates", "critical_updates"},
	KeyLoad:      {"load_1m", "load_5m", "load_15m"},
	KeyMemory:    {"available_ram", "total_ram", "available_swap", "total_swap"},
	KeyUsers:     {"user_count", "usernames"},
	KeyProcesses: {"processes"},
}

func newSnapshot(key MetricKey) Snapshot {
	switch key {
	case KeyIP:
		return &IPStatus{}
	case KeyDisk:
		return &DiskStatus{}
	case KeyApt:
		return &AptStatus{}
	case KeyLoad:
		return &LoadStatus{}
	case KeyMemory:
		return &MemoryStatus{}
	case KeyUsers:
		return &UsersStatus{}
	case KeyProcesses:
		return &ProcessStatus{}
	}
	return nil
}

// IsEmptyPayload reports whether a response body carries no data at all
func IsEmptyPayload(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("null")) ||
		bytes.Equal(trimmed, []byte("{}"))
}

// DecodeSnapshot decodes and validates the payload of a single metric.
// The returned snapshot is a value type (IPStatus, DiskStatus, ...).
func DecodeSnapshot(key MetricKey, raw []byte) (Snapshot, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, key, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformedSnapshot, key)
	}
	for _, name := range requiredFields[key] {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, fmt.Errorf("%w: %s: missing field %q", ErrMalformedSnapshot, key, name)
		}
	}

	snap := newSnapshot(key)
	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, key, err)
	}
	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, key, err)
	}
	return deref(snap), nil
}

func deref(s Snapshot) Snapshot {
	switch v := s.(type) {
	case *IPStatus:
		return *v
	case *DiskStatus:
		return *v
	case *AptStatus:
		return *v
	case *LoadStatus:
		return *v
	case *MemoryStatus:
		return *v
	case *UsersStatus:
		return *v
	case *ProcessStatus:
		return *v
	}
	return s
}

// AllStatus is the aggregate response. Each section decodes on its own so a
// bad section only affects its own key.
type AllStatus struct {
	Sections map[MetricKey]Snapshot
	Errors   map[MetricKey]error
}

// NewAllStatus returns an empty aggregate
func NewAllStatus() *AllStatus {
	return &AllStatus{
		Sections: make(map[MetricKey]Snapshot),
		Errors:   make(map[MetricKey]error),
	}
}

// Set stores a snapshot under its own key
func (a *AllStatus) Set(s Snapshot) {
	a.Sections[s.MetricKey()] = s
}

// Section returns the snapshot for key, or the reason it is unusable
func (a *AllStatus) Section(key MetricKey) (Snapshot, error) {
	if err, ok := a.Errors[key]; ok {
		return nil, err
	}
	s, ok := a.Sections[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing from aggregate response", ErrMalformedSnapshot, key)
	}
	return s, nil
}

// Empty reports whether no section could be used
func (a *AllStatus) Empty() bool {
	return len(a.Sections) == 0
}

// MarshalJSON encodes the aggregate keyed by metric key
func (a *AllStatus) MarshalJSON() ([]byte, error) {
	out := make(map[MetricKey]Snapshot, len(a.Sections))
	for k, v := range a.Sections {
		out[k] = v
	}
	return json.Marshal(out)
}

// DecodeAll decodes the aggregate payload
func DecodeAll(raw []byte) (*AllStatus, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, fmt.Errorf("%w: all: %v", ErrMalformedSnapshot, err)
	}

	all := NewAllStatus()
	for _, key := range MetricKeys {
		raw, ok := sections[string(key)]
		if !ok {
			continue
		}
		snap, err := DecodeSnapshot(key, raw)
		if err != nil {
			all.Errors[key] = err
			continue
		}
		all.Sections[key] = snap
	}
	return all, nil
}
