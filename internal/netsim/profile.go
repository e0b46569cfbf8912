// Package netsim imposes bandwidth, latency and packet-loss profiles on one
// session's transport to emulate real network diversity.
package netsim

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile describes a named network condition. A profile with zero throughput
// in both directions is equivalent to going offline.
type Profile struct {
	Name                string        `yaml:"name"`
	Latency             time.Duration `yaml:"latency"`
	DownloadBytesPerSec float64       `yaml:"download_bytes_per_sec"`
	UploadBytesPerSec   float64       `yaml:"upload_bytes_per_sec"`
	PacketLossPercent   float64       `yaml:"packet_loss_percent"`
}

// Predefined profiles so scenarios reference conditions by name instead of
// hand-rolled numbers, keeping cross-scenario comparisons meaningful.
var (
	FastWiFi = Profile{
		Name:                "fast-wifi",
		Latency:             5 * time.Millisecond,
		DownloadBytesPerSec: 6_250_000,
		UploadBytesPerSec:   3_125_000,
	}
	SlowWiFi = Profile{
		Name:                "slow-wifi",
		Latency:             50 * time.Millisecond,
		DownloadBytesPerSec: 250_000,
		UploadBytesPerSec:   125_000,
		PacketLossPercent:   0.5,
	}
	FastCellular = Profile{
		Name:                "fast-cellular",
		Latency:             70 * time.Millisecond,
		DownloadBytesPerSec: 500_000,
		UploadBytesPerSec:   200_000,
		PacketLossPercent:   1,
	}
	SlowCellular = Profile{
		Name:                "slow-cellular",
		Latency:             200 * time.Millisecond,
		DownloadBytesPerSec: 97_500,
		UploadBytesPerSec:   36_250,
		PacketLossPercent:   2,
	}
	Offline = Profile{Name: "offline"}
)

// ProfileByName resolves one of the built-in profiles.
func ProfileByName(name string) (Profile, bool) {
	for _, profile := range []Profile{FastWiFi, SlowWiFi, FastCellular, SlowCellular, Offline} {
		if profile.Name == name {
			return profile, true
		}
	}
	return Profile{}, false
}

// IsOffline reports whether the profile blocks all traffic.
func (p Profile) IsOffline() bool {
	return p.DownloadBytesPerSec <= 0 && p.UploadBytesPerSec <= 0
}

// Validate checks the profile invariants shared by built-in and loaded sets.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name must not be empty")
	}
	if p.Latency < 0 {
		return fmt.Errorf("profile %q: latency must be non-negative", p.Name)
	}
	if p.DownloadBytesPerSec < 0 || p.UploadBytesPerSec < 0 {
		return fmt.Errorf("profile %q: throughput must be non-negative", p.Name)
	}
	if p.PacketLossPercent < 0 || p.PacketLossPercent > 100 {
		return fmt.Errorf("profile %q: packet loss must be within [0,100]", p.Name)
	}
	return nil
}

// UnmarshalYAML accepts human-readable latency values such as "120ms".
func (p *Profile) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name                string  `yaml:"name"`
		Latency             string  `yaml:"latency"`
		DownloadBytesPerSec float64 `yaml:"download_bytes_per_sec"`
		UploadBytesPerSec   float64 `yaml:"upload_bytes_per_sec"`
		PacketLossPercent   float64 `yaml:"packet_loss_percent"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Name = raw.Name
	p.DownloadBytesPerSec = raw.DownloadBytesPerSec
	p.UploadBytesPerSec = raw.UploadBytesPerSec
	p.PacketLossPercent = raw.PacketLossPercent
	p.Latency = 0
	if raw.Latency != "" {
		latency, err := time.ParseDuration(raw.Latency)
		if err != nil {
			return fmt.Errorf("profile %q: latency: %w", raw.Name, err)
		}
		p.Latency = latency
	}
	return nil
}

type profileDocument struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles parses a YAML fixture of custom profiles keyed by name so
// scenario suites can share condition sets.
func LoadProfiles(r io.Reader) (map[string]Profile, error) {
	var doc profileDocument
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("profile fixture decode: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("profile fixture contains no profiles")
	}
	profiles := make(map[string]Profile, len(doc.Profiles))
	for _, profile := range doc.Profiles {
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		if _, exists := profiles[profile.Name]; exists {
			return nil, fmt.Errorf("profile %q defined twice", profile.Name)
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}
