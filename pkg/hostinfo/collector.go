// Package hostinfo gathers the host facts an agent reports with each heartbeat.
package hostinfo

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
)

const unknown = "unknown"

type Report struct {
	Hostname      string    `json:"hostname"`
	OSRelease     string    `json:"os_release"`
	Kernel        string    `json:"kernel"`
	Arch          string    `json:"arch"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
	CPUs          int       `json:"cpus"`
	Timestamp     time.Time `json:"timestamp"`
}

// Collect queries the host. Facts that cannot be read are left unknown or
// empty; partial stats returned with a warning are kept.
func Collect(ctx context.Context) *Report {
	info, _ := host.InfoWithContext(ctx)
	avg, _ := load.AvgWithContext(ctx)
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	return newReport(info, avg, cpus, time.Now().UTC())
}

func newReport(info *host.InfoStat, avg *load.AvgStat, cpus int, now time.Time) *Report {
	r := &Report{
		OSRelease: unknown,
		Kernel:    unknown,
		Arch:      runtime.GOOS + "/" + runtime.GOARCH,
		CPUs:      cpus,
		Timestamp: now,
	}
	if info != nil {
		r.Hostname = info.Hostname
		r.OSRelease = osRelease(info)
		if info.KernelVersion != "" {
			r.Kernel = info.KernelVersion
		}
		if info.KernelArch != "" {
			r.Arch = info.OS + "/" + info.KernelArch
		}
		r.UptimeSeconds = float64(info.Uptime)
	}
	if r.Hostname == "" {
		r.Hostname, _ = os.Hostname()
	}
	if avg != nil {
		r.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return r
}

func osRelease(info *host.InfoStat) string {
	release := strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	if release == "" {
		return unknown
	}
	return release
}

// Heartbeat renders the report as a heartbeat body for clientID.
func (r *Report) Heartbeat(clientID, agentVersion string) map[string]any {
	return map[string]any{
		"client_id":      clientID,
		"hostname":       r.Hostname,
		"os_release":     r.OSRelease,
		"kernel":         r.Kernel,
		"arch":           r.Arch,
		"uptime_seconds": r.UptimeSeconds,
		"load_average":   r.LoadAverage,
		"cpus":           r.CPUs,
		"agent_version":  agentVersion,
		"timestamp":      r.Timestamp.Format(time.RFC3339),
	}
}
