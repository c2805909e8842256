package types

import (
	"errors"
	"fmt"
	"strings"
)

// MetricKey identifies one monitored aspect of the host
type MetricKey string

const (
	KeyIP        MetricKey = "ip"
	KeyDisk      MetricKey = "disk"
	KeyApt       MetricKey = "apt"
	KeyLoad      MetricKey = "load"
	KeyMemory    MetricKey = "memory"
	KeyUsers     MetricKey = "users"
	KeyProcesses MetricKey = "processes"

	// KeyAll addresses the aggregate endpoint. It is not a metric key.
	KeyAll MetricKey = "all"
)

// MetricKeys is the fixed evaluation order.
var MetricKeys = []MetricKey{
	KeyIP,
	KeyDisk,
	KeyApt,
	KeyLoad,
	KeyMemory,
	KeyUsers,
	KeyProcesses,
}

var (
	// ErrUnknownKey is returned for keys outside MetricKeys
	ErrUnknownKey = errors.New("unknown metric key")
	// ErrMalformedSnapshot is returned when a response misses fields or carries invalid values
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

var displayNames = map[MetricKey]string{
	KeyIP:        "IP",
	KeyDisk:      "Disk",
	KeyApt:       "APT",
	KeyLoad:      "Load",
	KeyMemory:    "Memory",
	KeyUsers:     "Users",
	KeyProcesses: "Processes",
}

// ParseKey normalizes and validates a metric key
func ParseKey(s string) (MetricKey, error) {
	key := MetricKey(strings.ToLower(strings.TrimSpace(s)))
	if !key.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, s)
	}
	return key, nil
}

// Valid reports whether k is one of MetricKeys
func (k MetricKey) Valid() bool {
	_, ok := displayNames[k]
	return ok
}

// DisplayName returns the label used in notifications
func (k MetricKey) DisplayName() string {
	if name, ok := displayNames[k]; ok {
		return name
	}
	return string(k)
}

func (k MetricKey) String() string {
	return string(k)
}
