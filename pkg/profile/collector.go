package profile

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemProfile is the snapshot an agent sends. The server only relies on
// the JSON field names, not this type.
type SystemProfile struct {
	OSFullName       string          `json:"os_full_name,omitempty"`
	OSVersion        string          `json:"os_version,omitempty"`
	BuildNumber      string          `json:"build_number,omitempty"`
	Architecture     string          `json:"architecture,omitempty"`
	Manufacturer     string          `json:"manufacturer,omitempty"`
	Model            string          `json:"model,omitempty"`
	CPUModel         string          `json:"cpu_model,omitempty"`
	CPUCoresPhysical int             `json:"cpu_cores_physical,omitempty"`
	CPUCoresLogical  int             `json:"cpu_cores_logical,omitempty"`
	TotalMemoryGB    int             `json:"total_memory_gb,omitempty"`
	DiskCount        int             `json:"disk_count"`
	Disks            []Disk          `json:"disks"`
	Virtualization   *Virtualization `json:"virtualization,omitempty"`

	// Errors maps probe name to failure; it is dropped before sending.
	Errors map[string]string `json:"-"`
}

type Disk struct {
	Index   int     `json:"index"`
	SizeGB  int     `json:"size_gb"`
	Model   string  `json:"model,omitempty"`
	BusType *string `json:"bus_type"`
}

type Virtualization struct {
	IsVirtual bool    `json:"is_virtual"`
	Vendor    *string `json:"vendor"`
	Model     *string `json:"model"`
}

// Collector runs the profile probes in parallel under a shared timeout.
// A failing probe leaves its fields empty and records an error.
type Collector struct {
	timeout time.Duration
	errors  map[string]string
	mu      sync.Mutex
}

func NewCollector(timeout time.Duration) *Collector {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Collector{timeout: timeout}
}

func (c *Collector) Collect(ctx context.Context) *SystemProfile {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	c.errors = make(map[string]string)
	c.mu.Unlock()

	p := &SystemProfile{Architecture: runtime.GOARCH}

	// Each probe writes disjoint fields.
	probes := []struct {
		name string
		fn   func(context.Context, *SystemProfile) error
	}{
		{"host", probeHost},
		{"cpu", probeCPU},
		{"memory", probeMemory},
		{"disks", probeDisks},
	}

	var wg sync.WaitGroup
	for _, probe := range probes {
		wg.Add(1)
		go func(name string, fn func(context.Context, *SystemProfile) error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.recordError(name, fmt.Sprintf("panic: %v", r))
				}
			}()
			if err := fn(ctx, p); err != nil {
				c.recordError(name, err.Error())
			}
		}(probe.name, probe.fn)
	}
	wg.Wait()

	c.mu.Lock()
	p.Errors = c.errors
	c.mu.Unlock()
	return p
}

func (c *Collector) recordError(probe, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[probe] = msg
}

func probeHost(ctx context.Context, p *SystemProfile) error {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return err
	}
	p.OSFullName = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	p.OSVersion = info.PlatformVersion
	p.BuildNumber = info.KernelVersion
	p.Manufacturer = info.PlatformFamily

	v := &Virtualization{IsVirtual: info.VirtualizationRole == "guest"}
	if v.IsVirtual && info.VirtualizationSystem != "" {
		sys := info.VirtualizationSystem
		v.Vendor = &sys
	}
	p.Virtualization = v
	return nil
}

func probeCPU(ctx context.Context, p *SystemProfile) error {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return err
	}
	if len(infos) > 0 {
		p.CPUModel = infos[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		p.CPUCoresPhysical = n
	}
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return err
	}
	p.CPUCoresLogical = n
	return nil
}

func probeMemory(ctx context.Context, p *SystemProfile) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	p.TotalMemoryGB = int((vm.Total + (1<<30 - 1)) >> 30)
	return nil
}

func probeDisks(ctx context.Context, p *SystemProfile) error {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	disks := []Disk{}
	for _, part := range parts {
		if seen[part.Device] || part.Mountpoint == "" || pseudoFS(part.Fstype) {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil || usage.Total < 100<<20 {
			continue
		}
		seen[part.Device] = true
		disks = append(disks, Disk{
			Index:  len(disks),
			SizeGB: int(usage.Total >> 30),
			Model:  part.Device,
		})
	}
	p.Disks = disks
	p.DiskCount = len(disks)
	return nil
}

func pseudoFS(fstype string) bool {
	for _, prefix := range []string{"squashfs", "tmpfs", "devfs", "overlay", "proc", "sysfs"} {
		if strings.HasPrefix(fstype, prefix) {
			return true
		}
	}
	return false
}

// FreeDiskGB reports free space on the root volume, or nil when unknown.
func FreeDiskGB(ctx context.Context) *int {
	root := "/"
	if runtime.GOOS == "windows" {
		root = "C:\\"
	}
	usage, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return nil
	}
	v := int(usage.Free >> 30)
	return &v
}
