package hostinfo

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
)

func TestCollect(t *testing.T) {
	report := Collect(context.Background())

	if report.Hostname == "" {
		t.Error("Hostname should not be empty")
	}

	if time.Since(report.Timestamp) > time.Minute {
		t.Error("Timestamp should be recent")
	}

	if report.Kernel == "" {
		t.Error("Kernel should be detected or marked unknown")
	}

	if report.CPUs <= 0 {
		t.Errorf("CPUs = %d, want > 0", report.CPUs)
	}
}

func TestNewReportFromHostStats(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	info := &host.InfoStat{
		Hostname:        "pi-1",
		Uptime:          12345,
		OS:              "linux",
		Platform:        "ubuntu",
		PlatformVersion: "22.04",
		KernelVersion:   "6.1.0-rpi7",
		KernelArch:      "aarch64",
	}
	avg := &load.AvgStat{Load1: 0.52, Load5: 0.58, Load15: 0.59}

	r := newReport(info, avg, 4, now)
	if r.Hostname != "pi-1" || r.OSRelease != "ubuntu 22.04" || r.Kernel != "6.1.0-rpi7" {
		t.Errorf("unexpected report %+v", r)
	}
	if r.Arch != "linux/aarch64" || r.UptimeSeconds != 12345 || r.CPUs != 4 {
		t.Errorf("unexpected report %+v", r)
	}
	if len(r.LoadAverage) != 3 || r.LoadAverage[0] != 0.52 || r.LoadAverage[2] != 0.59 {
		t.Errorf("LoadAverage = %v", r.LoadAverage)
	}
}

func TestNewReportWithoutHostStats(t *testing.T) {
	r := newReport(nil, nil, 2, time.Now())
	if r.OSRelease != "unknown" || r.Kernel != "unknown" {
		t.Errorf("missing facts should be unknown, got %+v", r)
	}
	if r.LoadAverage != nil {
		t.Errorf("LoadAverage = %v, want nil", r.LoadAverage)
	}
	if r.Hostname == "" {
		t.Error("Hostname should fall back to os.Hostname")
	}
}

func TestHeartbeatCarriesClientID(t *testing.T) {
	hb := Collect(context.Background()).Heartbeat("edge-01", "1.2.3")
	if hb["client_id"] != "edge-01" || hb["agent_version"] != "1.2.3" {
		t.Errorf("unexpected heartbeat %v", hb)
	}
}
