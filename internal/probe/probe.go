package probe

import "context"

// ResourceUsage reports current resource consumption percentages plus
// coarse process counters.
type ResourceUsage struct {
	MemoryPercent  float64 `json:"memoryPercent"`
	CPUPercent     float64 `json:"cpuPercent"`
	DiskPercent    float64 `json:"diskPercent"`
	NetworkPercent float64 `json:"networkPercent"`
	DBConnections  int     `json:"dbConnections"`
	ProcessCount   int     `json:"processCount"`
}

// CheckResult is one named health check outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Health is the aggregate system health view.
type Health struct {
	Status string        `json:"status"`
	Score  int           `json:"score"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// Network reports connectivity quality.
type Network struct {
	Connected     bool    `json:"connected"`
	LatencyMs     float64 `json:"latencyMs"`
	BandwidthMbps float64 `json:"bandwidthMbps"`
}

// Device reports one storage device.
type Device struct {
	Name        string  `json:"name"`
	CapacityGB  float64 `json:"capacityGb"`
	UsedPercent float64 `json:"usedPercent"`
	Healthy     bool    `json:"healthy"`
}

// Security reports the security posture relevant to activation gating.
type Security struct {
	ActiveThreats int               `json:"activeThreats"`
	Policies      map[string]string `json:"policies,omitempty"`
}

// Snapshot is a point-in-time view of the host system consumed by the
// pre-activation validator.
type Snapshot struct {
	Resources ResourceUsage `json:"resources"`
	Health    Health        `json:"health"`
	Network   Network       `json:"network"`
	Storage   []Device      `json:"storage,omitempty"`
	Security  Security      `json:"security"`
}

// Probe produces system snapshots. Implementations may block; they must
// honor ctx cancellation.
type Probe interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// StaticProbe returns a fixed snapshot. Used in tests and as the default
// when no live probe is wired.
type StaticProbe struct {
	Value Snapshot
}

// NewHealthyProbe returns a StaticProbe describing a healthy idle system.
func NewHealthyProbe() *StaticProbe {
	return &StaticProbe{
		Value: Snapshot{
			Resources: ResourceUsage{MemoryPercent: 20, CPUPercent: 10, DiskPercent: 30},
			Health:    Health{Status: "healthy", Score: 100},
			Network:   Network{Connected: true, LatencyMs: 1},
			Security:  Security{ActiveThreats: 0},
		},
	}
}

// Snapshot returns the fixed snapshot.
func (p *StaticProbe) Snapshot(ctx context.Context) (Snapshot, error) {
	return p.Value, nil
}
