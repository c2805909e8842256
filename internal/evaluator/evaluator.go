package evaluator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/types"
)

// Verdict is the outcome of evaluating one snapshot
type Verdict struct {
	Key      types.MetricKey
	Exceeded bool
	Detail   string
}

// Evaluate dispatches a snapshot to the check for its metric family
func Evaluate(snap types.Snapshot, t config.Thresholds) (Verdict, error) {
	var exceeded bool
	var detail string

	switch s := snap.(type) {
	case types.IPStatus:
		exceeded, detail = CheckIP(s, t.IP)
	case types.DiskStatus:
		exceeded, detail = CheckDisk(s, t.DiskFreePercent)
	case types.AptStatus:
		exceeded, detail = CheckApt(s, t.MaxUpdates, t.MaxCriticalUpdates)
	case types.LoadStatus:
		exceeded, detail = CheckLoad(s, t.Load1m, t.Load5m, t.Load15m)
	case types.MemoryStatus:
		exceeded, detail = CheckMemory(s, t.RAMFreePercent, t.SwapFreePercent)
	case types.UsersStatus:
		exceeded, detail = CheckUsers(s, t.MaxUsers)
	case types.ProcessStatus:
		exceeded, detail = CheckProcesses(s)
	default:
		return Verdict{}, fmt.Errorf("%w: unsupported snapshot %T", types.ErrMalformedSnapshot, snap)
	}

	return Verdict{
		Key:      snap.MetricKey(),
		Exceeded: exceeded,
		Detail:   detail,
	}, nil
}

// CheckIP flags a public IP that differs from the expected one
func CheckIP(s types.IPStatus, expected string) (bool, string) {
	if s.IP == expected {
		return false, ""
	}
	return true, fmt.Sprintf("Public IP changed to %s (expected %s)", s.IP, expected)
}

// CheckDisk flags every mount whose free space is below minFree percent
func CheckDisk(s types.DiskStatus, minFree float64) (bool, string) {
	mounts := make([]string, 0, len(s.Disks))
	for mount := range s.Disks {
		mounts = append(mounts, mount)
	}
	sort.Strings(mounts)

	var lines []string
	for _, mount := range mounts {
		free := s.Disks[mount]
		if free < minFree {
			lines = append(lines, fmt.Sprintf("%s has %.1f%% free space", mount, free))
		}
	}
	if len(lines) == 0 {
		return false, ""
	}
	return true, strings.Join(lines, "\n")
}

// CheckApt folds the total and security update checks into one verdict
func CheckApt(s types.AptStatus, maxTotal, maxCritical int) (bool, string) {
	var lines []string
	if s.TotalUpdates > maxTotal {
		lines = append(lines, fmt.Sprintf("%d package updates available (threshold %d)", s.TotalUpdates, maxTotal))
	}
	if s.CriticalUpdates > maxCritical {
		lines = append(lines, fmt.Sprintf("%d critical security updates available (threshold %d)", s.CriticalUpdates, maxCritical))
	}
	if len(lines) == 0 {
		return false, ""
	}
	return true, strings.Join(lines, "\n")
}

// CheckLoad flags each load average window above its threshold
func CheckLoad(s types.LoadStatus, max1, max5, max15 float64) (bool, string) {
	windows := []struct {
		name  string
		value float64
		max   float64
	}{
		{"1 minute", s.Load1m, max1},
		{"5 minute", s.Load5m, max5},
		{"15 minute", s.Load15m, max15},
	}

	var lines []string
	for _, w := range windows {
		if w.value > w.max {
			lines = append(lines, fmt.Sprintf("%s load is %.2f (threshold %.2f)", w.name, w.value, w.max))
		}
	}
	if len(lines) == 0 {
		return false, ""
	}
	return true, strings.Join(lines, "\n")
}

// CheckMemory flags free RAM or free swap below their minimum percentages.
// Hosts without swap skip the swap check.
func CheckMemory(s types.MemoryStatus, minRAM, minSwap float64) (bool, string) {
	var lines []string

	if s.TotalRAM > 0 {
		freeRAM := s.AvailableRAM / s.TotalRAM * 100
		if freeRAM < minRAM {
			lines = append(lines, fmt.Sprintf("Free RAM is %.1f%% (threshold %.1f%%)", freeRAM, minRAM))
		}
	}
	if s.TotalSwap > 0 {
		freeSwap := s.AvailableSwap / s.TotalSwap * 100
		if freeSwap < minSwap {
			lines = append(lines, fmt.Sprintf("Free swap is %.1f%% (threshold %.1f%%)", freeSwap, minSwap))
		}
	}
	if len(lines) == 0 {
		return false, ""
	}
	return true, strings.Join(lines, "\n")
}

// CheckUsers flags more logged in users than allowed
func CheckUsers(s types.UsersStatus, maxUsers int) (bool, string) {
	if s.UserCount <= maxUsers {
		return false, ""
	}
	return true, fmt.Sprintf("%d users logged in (threshold %d): %s",
		s.UserCount, maxUsers, strings.Join(s.Usernames, ", "))
}

// CheckProcesses flags every monitored process that is not running
func CheckProcesses(s types.ProcessStatus) (bool, string) {
	var down []string
	for name, running := range s.Processes {
		if !running {
			down = append(down, name)
		}
	}
	if len(down) == 0 {
		return false, ""
	}
	sort.Strings(down)

	lines := make([]string, len(down))
	for i, name := range down {
		lines[i] = fmt.Sprintf("%s is not running", name)
	}
	return true, strings.Join(lines, "\n")
}
