package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/engagement-pipeline/internal/device/batch"
)

// NetworkClass is the coarse connectivity state reported by the host platform.
type NetworkClass string

const (
	NetworkOffline      NetworkClass = "offline"
	NetworkSlow         NetworkClass = "slow"
	NetworkCellular     NetworkClass = "cellular"
	NetworkWifi         NetworkClass = "wifi"
	NetworkWifiCharging NetworkClass = "wifi_charging"
)

// LowBattery is the charge level below which an unplugged device is treated one class slower.
const LowBattery = 20

// Signals is a snapshot of the device conditions that gate uploads. BatteryPct is negative when
// the platform cannot report it.
type Signals struct {
	Network    NetworkClass `json:"network"`
	BatteryPct int          `json:"batteryPct"`
	Charging   bool         `json:"charging"`
}

// SignalSource reports current device conditions.
type SignalSource interface {
	Signals(ctx context.Context) Signals
}

// StaticSignals always reports the same conditions. The device agent uses it when the platform
// bridge supplies fixed overrides.
type StaticSignals Signals

// Signals implements SignalSource.
func (s StaticSignals) Signals(context.Context) Signals {
	return Signals(s)
}

// ParseNetworkClass validates a configured network class.
func ParseNetworkClass(value string) (NetworkClass, error) {
	class := NetworkClass(strings.ToLower(strings.TrimSpace(value)))
	switch class {
	case NetworkOffline, NetworkSlow, NetworkCellular, NetworkWifi, NetworkWifiCharging:
		return class, nil
	}
	return "", fmt.Errorf("unknown network class %q", value)
}

// Policy bounds batch size and pacing for one network class.
type Policy struct {
	Name        NetworkClass  `json:"name"`
	MaxEvents   int           `json:"maxEvents"`
	MaxBytes    int           `json:"maxBytes"`
	Interval    time.Duration `json:"interval"`
	MaxAttempts int           `json:"maxAttempts"`
	Timeout     time.Duration `json:"timeout"`
	MinBattery  int           `json:"minBattery"`
}

// Limits converts the policy into assembler limits.
func (p Policy) Limits() batch.Limits {
	return batch.Limits{MaxEvents: p.MaxEvents, MaxBytes: p.MaxBytes}
}

// Permits reports whether an upload may start under s.
func (p Policy) Permits(s Signals) bool {
	if p.Name == NetworkOffline || p.MaxEvents <= 0 {
		return false
	}
	if s.Charging || s.BatteryPct < 0 {
		return true
	}
	return s.BatteryPct >= p.MinBattery
}

var policies = map[NetworkClass]Policy{
	NetworkOffline: {
		Name:     NetworkOffline,
		Interval: time.Minute,
	},
	NetworkSlow: {
		Name:        NetworkSlow,
		MaxEvents:   25,
		MaxBytes:    16 << 10,
		Interval:    5 * time.Minute,
		MaxAttempts: 8,
		Timeout:     30 * time.Second,
		MinBattery:  10,
	},
	NetworkCellular: {
		Name:        NetworkCellular,
		MaxEvents:   100,
		MaxBytes:    64 << 10,
		Interval:    2 * time.Minute,
		MaxAttempts: 6,
		Timeout:     20 * time.Second,
		MinBattery:  10,
	},
	NetworkWifi: {
		Name:        NetworkWifi,
		MaxEvents:   250,
		MaxBytes:    256 << 10,
		Interval:    30 * time.Second,
		MaxAttempts: 5,
		Timeout:     15 * time.Second,
		MinBattery:  5,
	},
	NetworkWifiCharging: {
		Name:        NetworkWifiCharging,
		MaxEvents:   500,
		MaxBytes:    1 << 20,
		Interval:    10 * time.Second,
		MaxAttempts: 5,
		Timeout:     15 * time.Second,
	},
}

var slower = map[NetworkClass]NetworkClass{
	NetworkWifiCharging: NetworkWifi,
	NetworkWifi:         NetworkCellular,
	NetworkCellular:     NetworkSlow,
	NetworkSlow:         NetworkSlow,
	NetworkOffline:      NetworkOffline,
}

// PolicyFor picks the batch policy for s. A low, unplugged battery downgrades one class.
func PolicyFor(s Signals) Policy {
	class := s.Network
	if _, ok := policies[class]; !ok {
		class = NetworkOffline
	}
	if !s.Charging && s.BatteryPct >= 0 && s.BatteryPct < LowBattery {
		class = slower[class]
	}
	return policies[class]
}
