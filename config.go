// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"io"
	"net/netip"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultGatewayIPv4 and defaultGatewayIPv6 are the gateway addresses a
// [TunnelFactory] is expected to assign to the tunnel interface (and
// hand to the OS as the pushed DNS server) unless [Config] overrides
// them.
var (
	defaultGatewayIPv4 = netip.MustParseAddr("10.64.0.1")
	defaultGatewayIPv6 = netip.MustParseAddr("fd7a:115c:a1e0::1")
)

// AppMode is the default disposition applied to applications not named
// explicitly in a [Config.AppInclusion] include/exclude set.
type AppMode string

const (
	AppModeAll  AppMode = "ALL"
	AppModeNone AppMode = "NONE"
	AppModeAuto AppMode = "AUTO"
)

// UpstreamResolverConfig is one entry of [Config.UpstreamList].
type UpstreamResolverConfig struct {
	Name    string `yaml:"name"`
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// HostSourceConfig is one entry of [Config.HostSources].
//
// Disposition is the per-source default applied to every hostname the
// source contributes, following [RuleTable]'s construction contract.
type HostSourceConfig struct {
	Name        string      `yaml:"name"`
	Location    string      `yaml:"location"`
	Disposition Disposition `yaml:"disposition"`
}

// AppInclusionConfig carries the opaque per-application selection pushed
// into the OS tunnel builder. The engine never inspects these sets; it
// only forwards them to the [TunnelFactory] at Start.
type AppInclusionConfig struct {
	Included    []string `yaml:"included"`
	Excluded    []string `yaml:"excluded"`
	DefaultMode AppMode  `yaml:"defaultMode"`
}

// Config is the Configuration Snapshot the engine takes once at Start;
// [LoadConfig] decodes one from a YAML document.
//
// Live edits to the backing document never affect a running [Engine]: a
// change requires Stop followed by Start with a freshly decoded Config.
type Config struct {
	AutoStart        bool                     `yaml:"autoStart"`
	IPv6Enabled      bool                     `yaml:"ipv6Enabled"`
	BlockLogging     bool                     `yaml:"blockLogging"`
	ShowNotification bool                     `yaml:"showNotification"`
	UpstreamList     []UpstreamResolverConfig `yaml:"upstreamList"`
	HostSources      []HostSourceConfig       `yaml:"hostSources"`
	AppInclusion     AppInclusionConfig       `yaml:"appInclusion"`
	DefaultAppMode   AppMode                  `yaml:"defaultAppMode"`

	// GatewayIPv4 and GatewayIPv6 are the tunnel's own address in each
	// family, used both by the [TunnelFactory] to configure the OS VPN
	// facility's pushed DNS server and by the pump as the source address
	// of a forwarded upstream response.
	GatewayIPv4 netip.Addr `yaml:"gatewayIPv4"`
	GatewayIPv6 netip.Addr `yaml:"gatewayIPv6"`

	// ErrClassifier classifies errors for structured logging and for the
	// lifecycle's transient-vs-fatal decisions.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier `yaml:"-"`

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time `yaml:"-"`
}

// NewConfig creates a [*Config] with sensible defaults.
//
// Callers typically decode a YAML document over the returned value (see
// [LoadConfig]) rather than constructing one field by field.
func NewConfig() *Config {
	return &Config{
		IPv6Enabled:    false,
		BlockLogging:   false,
		DefaultAppMode: AppModeAll,
		GatewayIPv4:    defaultGatewayIPv4,
		GatewayIPv6:    defaultGatewayIPv6,
		ErrClassifier:  DefaultErrClassifier,
		TimeNow:        time.Now,
	}
}

// LoadConfig decodes a YAML Configuration Snapshot from r into a
// freshly constructed [*Config].
//
// Keys absent from the decoded document leave the defaults set by
// [NewConfig] in place: the document only needs to carry the keys the
// caller wants to override. A key that is present replaces the default,
// even when its value is the zero value.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := NewConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// ShouldAutostart is the boot-time autostart gate, consumed by an OS boot
// hook without instantiating the engine.
func ShouldAutostart(cfg *Config, persistedActive bool) bool {
	return cfg.AutoStart && persistedActive
}
