package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// Prober samples the local host. The gopsutil calls are held in fields so
// tests can replace them.
type Prober struct {
	disks     []string
	processes []string
	ipURL     string
	timeout   time.Duration
	client    *http.Client
	logger    zerolog.Logger

	diskUsage     func(ctx context.Context, path string) (*disk.UsageStat, error)
	partitions    func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	loadAvg       func(ctx context.Context) (*load.AvgStat, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	swapMemory    func(ctx context.Context) (*mem.SwapMemoryStat, error)
	users         func(ctx context.Context) ([]host.UserStat, error)
	processNames  func(ctx context.Context) ([]string, error)
	aptList       func(ctx context.Context) ([]byte, error)
}

// NewProber creates a prober for the disks and processes named in cfg
func NewProber(cfg *config.APIConfig, logger zerolog.Logger) *Prober {
	return &Prober{
		disks:         cfg.MonitoredDisks,
		processes:     cfg.MonitoredProcesses,
		ipURL:         cfg.IPLookupURL,
		timeout:       cfg.ProbeTimeout,
		client:        &http.Client{},
		logger:        logger.With().Str("component", "monitor").Logger(),
		diskUsage:     disk.UsageWithContext,
		partitions:    disk.PartitionsWithContext,
		loadAvg:       load.AvgWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		swapMemory:    mem.SwapMemoryWithContext,
		users:         host.UsersWithContext,
		processNames:  runningProcessNames,
		aptList:       aptListUpgradable,
	}
}

// Probe samples one metric. The snapshot is validated before it is returned.
func (p *Prober) Probe(ctx context.Context, key types.MetricKey) (types.Snapshot, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var (
		snap types.Snapshot
		err  error
	)
	switch key {
	case types.KeyIP:
		snap, err = p.IP(ctx)
	case types.KeyDisk:
		snap, err = p.Disk(ctx)
	case types.KeyApt:
		snap, err = p.Apt(ctx)
	case types.KeyLoad:
		snap, err = p.Load(ctx)
	case types.KeyMemory:
		snap, err = p.Memory(ctx)
	case types.KeyUsers:
		snap, err = p.Users(ctx)
	case types.KeyProcesses:
		snap, err = p.Processes(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownKey, key)
	}
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", key, err)
	}
	if err := types.Validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// All probes every metric concurrently. Failed probes are recorded in Errors
// and left out of Sections.
func (p *Prober) All(ctx context.Context) *types.AllStatus {
	type result struct {
		key  types.MetricKey
		snap types.Snapshot
		err  error
	}

	results := make(chan result, len(types.MetricKeys))
	var wg sync.WaitGroup
	for _, key := range types.MetricKeys {
		wg.Add(1)
		go func(key types.MetricKey) {
			defer wg.Done()
			snap, err := p.Probe(ctx, key)
			results <- result{key: key, snap: snap, err: err}
		}(key)
	}
	wg.Wait()
	close(results)

	all := types.NewAllStatus()
	for r := range results {
		if r.err != nil {
			all.Errors[r.key] = r.err
			continue
		}
		all.Set(r.snap)
	}
	return all
}

type ipResponse struct {
	IP string `json:"ip"`
}

// IP asks the lookup service for the public IPv4 address
func (p *Prober) IP(ctx context.Context) (types.IPStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ipURL, nil)
	if err != nil {
		return types.IPStatus{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent("api"))

	resp, err := p.client.Do(req)
	if err != nil {
		return types.IPStatus{}, fmt.Errorf("ip lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.IPStatus{}, fmt.Errorf("ip lookup: unexpected status %d", resp.StatusCode)
	}
	var body ipResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return types.IPStatus{}, fmt.Errorf("ip lookup: decoding response: %w", err)
	}
	if net.ParseIP(body.IP) == nil {
		return types.IPStatus{}, fmt.Errorf("ip lookup: invalid address %q", body.IP)
	}

	p.logger.Debug().Str("ip", body.IP).Msg("IP check")
	return types.IPStatus{IP: body.IP}, nil
}

// Disk reports free space for every monitored mount point that is mounted
func (p *Prober) Disk(ctx context.Context) (types.DiskStatus, error) {
	// nil means every monitored disk is probed. Partial listings that come
	// with an error are not trusted.
	var mounted map[string]bool
	parts, err := p.partitions(ctx, true)
	if err != nil {
		p.logger.Warn().Err(err).Int("partial", len(parts)).Msg("Listing partitions failed, probing every monitored disk")
	} else {
		mounted = make(map[string]bool, len(parts))
		for _, part := range parts {
			mounted[part.Mountpoint] = true
		}
	}

	status := types.DiskStatus{Disks: make(map[string]float64, len(p.disks))}
	for _, d := range p.disks {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if mounted != nil && !mounted[d] {
			p.logger.Warn().Str("disk", d).Msg("Skipping non-existent or unmounted disk")
			continue
		}
		usage, err := p.diskUsage(ctx, d)
		if err != nil {
			return types.DiskStatus{}, fmt.Errorf("disk usage for %s: %w", d, err)
		}
		status.Disks[d] = 100 - usage.UsedPercent
	}
	return status, nil
}

// Apt counts upgradable packages. Lines mentioning a security pocket count
// as critical.
func (p *Prober) Apt(ctx context.Context) (types.AptStatus, error) {
	out, err := p.aptList(ctx)
	if err != nil {
		return types.AptStatus{}, fmt.Errorf("apt list: %w", err)
	}

	var status types.AptStatus
	scanner := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			// "Listing..." header
			first = false
			continue
		}
		if line == "" {
			continue
		}
		status.TotalUpdates++
		if strings.Contains(strings.ToLower(line), "security") {
			status.CriticalUpdates++
		}
	}
	if err := scanner.Err(); err != nil {
		return types.AptStatus{}, fmt.Errorf("reading apt output: %w", err)
	}

	p.logger.Debug().
		Int("total", status.TotalUpdates).
		Int("critical", status.CriticalUpdates).
		Msg("APT updates")
	return status, nil
}

// Load reports the 1, 5 and 15 minute load averages
func (p *Prober) Load(ctx context.Context) (types.LoadStatus, error) {
	avg, err := p.loadAvg(ctx)
	if err != nil {
		return types.LoadStatus{}, err
	}
	return types.LoadStatus{Load1m: avg.Load1, Load5m: avg.Load5, Load15m: avg.Load15}, nil
}

// Memory reports RAM and swap in MB
func (p *Prober) Memory(ctx context.Context) (types.MemoryStatus, error) {
	vm, err := p.virtualMemory(ctx)
	if err != nil {
		return types.MemoryStatus{}, fmt.Errorf("virtual memory: %w", err)
	}
	swap, err := p.swapMemory(ctx)
	if err != nil {
		return types.MemoryStatus{}, fmt.Errorf("swap memory: %w", err)
	}
	return types.MemoryStatus{
		AvailableRAM:  float64(vm.Available) / bytesPerMB,
		TotalRAM:      float64(vm.Total) / bytesPerMB,
		AvailableSwap: float64(swap.Free) / bytesPerMB,
		TotalSwap:     float64(swap.Total) / bytesPerMB,
	}, nil
}

// Users reports the distinct logged-in user names
func (p *Prober) Users(ctx context.Context) (types.UsersStatus, error) {
	sessions, err := p.users(ctx)
	if err != nil {
		return types.UsersStatus{}, err
	}
	seen := map[string]bool{}
	names := []string{}
	for _, s := range sessions {
		if s.User == "" || seen[s.User] {
			continue
		}
		seen[s.User] = true
		names = append(names, s.User)
	}
	sort.Strings(names)
	return types.UsersStatus{UserCount: len(names), Usernames: names}, nil
}

// Processes reports whether each monitored process is running. Names match
// case-insensitively.
func (p *Prober) Processes(ctx context.Context) (types.ProcessStatus, error) {
	status := types.ProcessStatus{Processes: map[string]bool{}}
	for _, name := range p.processes {
		if name = strings.TrimSpace(name); name != "" {
			status.Processes[name] = false
		}
	}
	if len(status.Processes) == 0 {
		return status, nil
	}

	names, err := p.processNames(ctx)
	if err != nil {
		return types.ProcessStatus{}, fmt.Errorf("listing processes: %w", err)
	}
	running := make(map[string]bool, len(names))
	for _, n := range names {
		running[strings.ToLower(n)] = true
	}
	for name := range status.Processes {
		status.Processes[name] = running[strings.ToLower(name)]
	}
	return status, nil
}

func runningProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			// exited while listing
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func aptListUpgradable(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "apt", "list", "--upgradable")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return out, nil
}
