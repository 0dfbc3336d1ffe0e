package agent

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/argus-siem/argus/internal/store"
)

// cpuSampleWindow is how long the cpu collector measures utilization over.
const cpuSampleWindow = time.Second

// HostInfo returns hostname and a normalized OS label for registration.
func HostInfo(ctx context.Context) (hostname, osLabel string) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "unknown", "unknown"
	}
	osLabel = info.Platform
	if info.PlatformVersion != "" {
		osLabel += " " + info.PlatformVersion
	}
	return info.Hostname, osLabel
}

// CollectMetrics takes one aggregate resource snapshot. Partial failures
// degrade to zeroed groups rather than failing the whole sample.
func CollectMetrics(ctx context.Context) (*store.MetricSample, error) {
	sample := &store.MetricSample{Timestamp: time.Now().UTC()}

	if pct, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false); err == nil && len(pct) > 0 {
		sample.CPU.Percent = pct[0]
	}
	if perCore, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		sample.CPU.PerCore = perCore
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		sample.CPU.Load1 = avg.Load1
		sample.CPU.Load5 = avg.Load5
		sample.CPU.Load15 = avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.Memory.Percent = vm.UsedPercent
		sample.Memory.UsedBytes = vm.Used
		sample.Memory.TotalBytes = vm.Total
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		sample.Disk.Percent = du.UsedPercent
		sample.Disk.FreeBytes = du.Free
		sample.Disk.TotalBytes = du.Total
	}
	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		sample.Network.BytesSent = counters[0].BytesSent
		sample.Network.BytesRecv = counters[0].BytesRecv
	}
	return sample, nil
}

// CollectProcesses snapshots the process table. Per-process field errors are
// tolerated: a process may exit mid-walk, and some fields need privileges the
// agent may lack.
func CollectProcesses(ctx context.Context) ([]store.ProcessRecord, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	collectedAt := time.Now().UTC()
	records := make([]store.ProcessRecord, 0, len(procs))

	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := store.ProcessRecord{
			CollectedAt: collectedAt,
			PID:         p.Pid,
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // gone already
		}
		rec.Name = name

		if ppid, err := p.PpidWithContext(ctx); err == nil {
			rec.PPID = ppid
		}
		if exe, err := p.ExeWithContext(ctx); err == nil {
			rec.Exe = exe
		}
		if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
			rec.Cmdline = cmdline
		}
		if username, err := p.UsernameWithContext(ctx); err == nil {
			rec.Username = username
		}
		if status, err := p.StatusWithContext(ctx); err == nil {
			rec.Status = strings.Join(status, ",")
		}
		if created, err := p.CreateTimeWithContext(ctx); err == nil {
			rec.CreateTime = time.UnixMilli(created).UTC()
		}
		if cpuPct, err := p.CPUPercentWithContext(ctx); err == nil {
			rec.CPUPercent = cpuPct
		}
		if memPct, err := p.MemoryPercentWithContext(ctx); err == nil {
			rec.MemPercent = float64(memPct)
		}
		if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			rec.RSS = memInfo.RSS
			rec.VMS = memInfo.VMS
		}
		if threads, err := p.NumThreadsWithContext(ctx); err == nil {
			rec.Threads = threads
		}
		if fds, err := p.NumFDsWithContext(ctx); err == nil {
			rec.FDs = fds
		}
		if conns, err := p.ConnectionsWithContext(ctx); err == nil {
			rec.Connections = int32(len(conns))
		}
		records = append(records, rec)
	}
	return records, nil
}
