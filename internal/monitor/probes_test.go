package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aptOutput = `Listing... Done
curl/jammy-updates 7.81.0-1ubuntu1.16 amd64 [upgradable from: 7.81.0-1ubuntu1.15]
openssl/jammy-security 3.0.2-0ubuntu1.18 amd64 [upgradable from: 3.0.2-0ubuntu1.17]
libssl3/jammy-security 3.0.2-0ubuntu1.18 amd64 [upgradable from: 3.0.2-0ubuntu1.17]
`

func newTestProber(t *testing.T) *Prober {
	t.Helper()
	ip := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	t.Cleanup(ip.Close)

	p := NewProber(&config.APIConfig{
		MonitoredDisks:     []string{"/", "/data", "/mnt/backup"},
		MonitoredProcesses: []string{"nginx", "Postgres"},
		IPLookupURL:        ip.URL,
	}, zerolog.Nop())

	p.partitions = func(context.Context, bool) ([]disk.PartitionStat, error) {
		return []disk.PartitionStat{{Mountpoint: "/"}, {Mountpoint: "/data"}}, nil
	}
	p.diskUsage = func(_ context.Context, path string) (*disk.UsageStat, error) {
		if path == "/data" {
			return &disk.UsageStat{Path: path, UsedPercent: 92.5}, nil
		}
		return &disk.UsageStat{Path: path, UsedPercent: 40}, nil
	}
	p.loadAvg = func(context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 0.5, Load5: 0.75, Load15: 1.25}, nil
	}
	p.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 4096 * bytesPerMB, Available: 1024 * bytesPerMB}, nil
	}
	p.swapMemory = func(context.Context) (*mem.SwapMemoryStat, error) {
		return &mem.SwapMemoryStat{Total: 2048 * bytesPerMB, Free: 512 * bytesPerMB}, nil
	}
	p.users = func(context.Context) ([]host.UserStat, error) {
		return []host.UserStat{{User: "bob"}, {User: "alice"}, {User: "bob"}}, nil
	}
	p.processNames = func(context.Context) ([]string, error) {
		return []string{"systemd", "NGINX", "sshd"}, nil
	}
	p.aptList = func(context.Context) ([]byte, error) {
		return []byte(aptOutput), nil
	}
	return p
}

func TestProbeIP(t *testing.T) {
	p := newTestProber(t)
	snap, err := p.Probe(context.Background(), types.KeyIP)
	require.NoError(t, err)
	assert.Equal(t, types.IPStatus{IP: "203.0.113.7"}, snap)
}

func TestProbeIPRejectsGarbage(t *testing.T) {
	p := newTestProber(t)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"not-an-ip"}`))
	}))
	defer bad.Close()
	p.ipURL = bad.URL

	_, err := p.Probe(context.Background(), types.KeyIP)
	assert.Error(t, err)
}

func TestProbeDiskSkipsUnmounted(t *testing.T) {
	p := newTestProber(t)
	snap, err := p.Probe(context.Background(), types.KeyDisk)
	require.NoError(t, err)

	disks := snap.(types.DiskStatus).Disks
	assert.Len(t, disks, 2)
	assert.InDelta(t, 60.0, disks["/"], 0.001)
	assert.InDelta(t, 7.5, disks["/data"], 0.001)
	assert.NotContains(t, disks, "/mnt/backup")
}

func TestDiskPartialPartitionList(t *testing.T) {
	p := newTestProber(t)
	p.partitions = func(context.Context, bool) ([]disk.PartitionStat, error) {
		return []disk.PartitionStat{{Mountpoint: "/"}}, errors.New("warning: /proc/mounts unreadable")
	}

	var snap types.Snapshot
	var err error
	require.NotPanics(t, func() {
		snap, err = p.Probe(context.Background(), types.KeyDisk)
	})
	require.NoError(t, err)

	disks := snap.(types.DiskStatus).Disks
	assert.Len(t, disks, 3)
	assert.InDelta(t, 60.0, disks["/mnt/backup"], 0.001)
}

func TestProbeDiskUsageError(t *testing.T) {
	p := newTestProber(t)
	p.diskUsage = func(context.Context, string) (*disk.UsageStat, error) {
		return nil, errors.New("permission denied")
	}
	_, err := p.Probe(context.Background(), types.KeyDisk)
	assert.ErrorContains(t, err, "permission denied")
}

func TestProbeApt(t *testing.T) {
	p := newTestProber(t)
	snap, err := p.Probe(context.Background(), types.KeyApt)
	require.NoError(t, err)
	assert.Equal(t, types.AptStatus{TotalUpdates: 3, CriticalUpdates: 2}, snap)

	p.aptList = func(context.Context) ([]byte, error) {
		return []byte("Listing... Done\n"), nil
	}
	snap, err = p.Probe(context.Background(), types.KeyApt)
	require.NoError(t, err)
	assert.Equal(t, types.AptStatus{}, snap)
}

func TestProbeLoadAndMemory(t *testing.T) {
	p := newTestProber(t)

	snap, err := p.Probe(context.Background(), types.KeyLoad)
	require.NoError(t, err)
	assert.Equal(t, types.LoadStatus{Load1m: 0.5, Load5m: 0.75, Load15m: 1.25}, snap)

	snap, err = p.Probe(context.Background(), types.KeyMemory)
	require.NoError(t, err)
	assert.Equal(t, types.MemoryStatus{
		AvailableRAM:  1024,
		TotalRAM:      4096,
		AvailableSwap: 512,
		TotalSwap:     2048,
	}, snap)
}

func TestProbeMemoryRejectsZeroRAM(t *testing.T) {
	p := newTestProber(t)
	p.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{}, nil
	}
	_, err := p.Probe(context.Background(), types.KeyMemory)
	assert.ErrorIs(t, err, types.ErrMalformedSnapshot)
}

func TestProbeUsersDistinct(t *testing.T) {
	p := newTestProber(t)
	snap, err := p.Probe(context.Background(), types.KeyUsers)
	require.NoError(t, err)
	assert.Equal(t, types.UsersStatus{UserCount: 2, Usernames: []string{"alice", "bob"}}, snap)

	p.users = func(context.Context) ([]host.UserStat, error) { return nil, nil }
	snap, err = p.Probe(context.Background(), types.KeyUsers)
	require.NoError(t, err)
	assert.NotNil(t, snap.(types.UsersStatus).Usernames)
}

func TestProbeProcessesCaseInsensitive(t *testing.T) {
	p := newTestProber(t)
	snap, err := p.Probe(context.Background(), types.KeyProcesses)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"nginx": true, "Postgres": false}, snap.(types.ProcessStatus).Processes)
}

func TestProbeUnknownKey(t *testing.T) {
	p := newTestProber(t)
	_, err := p.Probe(context.Background(), types.KeyAll)
	assert.ErrorIs(t, err, types.ErrUnknownKey)
}

func TestAllRecordsFailures(t *testing.T) {
	p := newTestProber(t)
	p.loadAvg = func(context.Context) (*load.AvgStat, error) {
		return nil, errors.New("no /proc")
	}

	all := p.All(context.Background())
	assert.Len(t, all.Sections, len(types.MetricKeys)-1)
	require.Contains(t, all.Errors, types.KeyLoad)
	assert.ErrorContains(t, all.Errors[types.KeyLoad], "no /proc")

	_, err := all.Section(types.KeyLoad)
	assert.Error(t, err)
	snap, err := all.Section(types.KeyApt)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.(types.AptStatus).TotalUpdates)
}
