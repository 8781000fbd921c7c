package asic

// CollectionMode selects what buffer counters report.
type CollectionMode int

const (
	ModeCurrent CollectionMode = iota
	ModePeak
)

// BufmonSystemConfig is the system-wide buffer-monitor configuration.
type BufmonSystemConfig struct {
	Enabled                           bool
	CountersMode                      CollectionMode
	PeriodicCollectionEnabled         bool
	CollectionPeriod                  int // seconds
	ThresholdTriggerCollectionEnabled bool
	ThresholdTriggerRateLimit         int // triggers per minute
	SnapshotOnThresholdTrigger        bool
}

// BufmonStatus of one counter after collection.
type BufmonStatus int

const (
	BufmonStatusOK BufmonStatus = iota
	BufmonStatusTriggered
	BufmonStatusNotConfigured
)

func (s BufmonStatus) String() string {
	switch s {
	case BufmonStatusTriggered:
		return "triggered"
	case BufmonStatusNotConfigured:
		return "not-properly-configured"
	default:
		return "ok"
	}
}

// BufmonCounter is one buffer counter.
type BufmonCounter struct {
	Name             string
	HWUnitID         int
	Enabled          bool
	TriggerThreshold int64
	VendorInfo       map[string]string

	Value  int64
	Status BufmonStatus
}

// BufmonProvider is implemented by ASICs that can report buffer occupancy.
type BufmonProvider interface {
	SystemConfig(cfg *BufmonSystemConfig)
	CounterConfig(c *BufmonCounter)
	// CounterStats fills Value for each counter.
	CounterStats(counters []BufmonCounter)
	// TriggerRegister turns threshold notifications on or off. While on, the
	// provider changes Classes.BufmonTrigger when a threshold is crossed.
	TriggerRegister(enable bool)
}
