// Package sysinfo reads host instrumentation for the sampler.
package sysinfo

import (
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"lightguide/internal/protocol"
)

const unknown = "unknown"

// Source is a read-only view of host counters. Every call reads current
// values; implementations must not cache between calls.
type Source interface {
	// CPUPercents returns per-core utilisation since the previous call.
	CPUPercents() ([]float64, error)
	// Memory returns total and used bytes.
	Memory() (total, used uint64, err error)
	// DiskUsage returns the used percentage of the monitored filesystem.
	DiskUsage() (float64, error)
	// NetCounters returns cumulative bytes received and sent across all
	// interfaces.
	NetCounters() (recv, sent uint64, err error)
	// Host returns static host metadata.
	Host() (protocol.HostInfo, error)
}

// Host reads instrumentation through gopsutil.
type Host struct {
	// DiskPath is the mount point reported as disk usage.
	DiskPath string
}

// NewHost returns a Source for the local machine.
func NewHost() *Host {
	return &Host{DiskPath: "/"}
}

func (h *Host) CPUPercents() ([]float64, error) {
	return cpu.Percent(0, true)
}

func (h *Host) Memory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Used, nil
}

func (h *Host) DiskUsage() (float64, error) {
	usage, err := disk.Usage(h.DiskPath)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

func (h *Host) NetCounters() (uint64, uint64, error) {
	counters, err := psnet.IOCounters(false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, nil
	}
	return counters[0].BytesRecv, counters[0].BytesSent, nil
}

// Host gathers host metadata. Fields that cannot be read are reported as
// "unknown" or zero. A failed platform query is returned alongside
// whatever could still be read.
func (h *Host) Host() (protocol.HostInfo, error) {
	info := protocol.HostInfo{
		Hostname:      unknown,
		OSName:        runtime.GOOS,
		OSVersion:     unknown,
		KernelVersion: unknown,
		CPUCount:      uint32(runtime.NumCPU()),
	}

	if name, err := os.Hostname(); err == nil && name != "" {
		info.Hostname = name
	}

	hostInfo, err := host.Info()
	if err == nil {
		if hostInfo.Platform != "" {
			info.OSName = hostInfo.Platform
		}
		if hostInfo.PlatformVersion != "" {
			info.OSVersion = hostInfo.PlatformVersion
		}
		if hostInfo.KernelVersion != "" {
			info.KernelVersion = hostInfo.KernelVersion
		}
		info.Uptime = hostInfo.Uptime
	}

	if runtime.GOOS == "linux" {
		if name := readOSRelease("NAME"); name != "" {
			info.OSName = name
		}
		if version := readOSRelease("VERSION_ID"); version != "" {
			info.OSVersion = version
		}
	}

	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		info.CPUCount = uint32(counts)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total
	}

	return info, err
}

// readOSRelease returns the value of key from /etc/os-release.
func readOSRelease(key string) string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	return parseOSRelease(string(data), key)
}

func parseOSRelease(data, key string) string {
	prefix := key + "="
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.Trim(strings.TrimPrefix(line, prefix), "\"")
		}
	}
	return ""
}
