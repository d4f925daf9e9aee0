// Package config handles configuration loading and validation for replimesh.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/replimesh/replimesh/internal/epoch"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/internal/uuids"
	"github.com/replimesh/replimesh/pkg/bytesize"
)

// NetConfig holds the connection-level settings shared by all peers of a
// resource.
type NetConfig struct {
	Protocol      string `yaml:"protocol"`        // "A", "B" or "C" (default: "C")
	Secret        string `yaml:"secret"`          // Shared secret for the challenge-response exchange (optional)
	Algorithm     string `yaml:"algorithm"`       // HMAC hash: "sha256" or "blake2b" (default: "sha256")
	IntegrityAlg  string `yaml:"integrity_alg"`   // Payload digest on data packets (optional)
	TwoPrimaries  bool   `yaml:"two_primaries"`   // Allow concurrent primaries
	DiscardMyData bool   `yaml:"discard_my_data"` // Resolve a split brain in the peer's favor
	AfterSB0p     string `yaml:"after_sb_0pri"`   // Split-brain policy, no primaries (default: "disconnect")
	AfterSB1p     string `yaml:"after_sb_1pri"`   // Split-brain policy, one primary
	AfterSB2p     string `yaml:"after_sb_2pri"`   // Split-brain policy, two primaries
	RRConflict    string `yaml:"rr_conflict"`     // Role conflict policy after recovery
	PingInt       string `yaml:"ping_int"`        // Keepalive interval (default: "10s")
	PingTimeout   string `yaml:"ping_timeout"`    // Silence allowance past the interval (default: "5s")
	ConnectInt    string `yaml:"connect_int"`     // Reconnect backoff (default: "10s")
}

// SyncConfig holds resync and online-verify tuning.
type SyncConfig struct {
	Rate      string `yaml:"rate"`       // Resync pace, e.g. "250M" per second (default: "250M")
	VerifyAlg string `yaml:"verify_alg"` // Online verify digest (optional)
	CsumAlg   string `yaml:"csum_alg"`   // Checksum-based resync digest (optional)
}

// VolumeConfig describes one replicated volume.
type VolumeConfig struct {
	Volume  int    `yaml:"volume"`
	Device  string `yaml:"device"`   // Backing file or block device path
	Size    string `yaml:"size"`     // Size for plain files, e.g. "1G"; ignored for block devices
	MetaDir string `yaml:"meta_dir"` // Metadata directory (superblock + bitmaps)
}

// PeerConfig describes one peer of the resource.
type PeerConfig struct {
	NodeID    int32  `yaml:"node_id"`
	LocalAddr string `yaml:"local_addr"` // Listen address for this pairing
	PeerAddr  string `yaml:"peer_addr"`  // Peer's listen address
}

// ResourceConfig is one replicated resource: its volumes, its peers and
// the knobs that shape replication toward them.
type ResourceConfig struct {
	Name     string         `yaml:"name"`
	NodeID   int32          `yaml:"node_id"`
	Primary  bool           `yaml:"primary"`
	Ordering string         `yaml:"ordering"` // "none", "drain", "flush" or "barrier" (default: "flush")
	Net      NetConfig      `yaml:"net"`
	Sync     SyncConfig     `yaml:"sync"`
	Volumes  []VolumeConfig `yaml:"volumes"`
	Peers    []PeerConfig   `yaml:"peers"`
}

// Config is the top-level file: one node, any number of resources.
type Config struct {
	Metrics   MetricsConfig    `yaml:"metrics"`
	Resources []ResourceConfig `yaml:"resources"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default: "127.0.0.1:9742"
}

// Load reads and parses a config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9742"
	}

	for i := range cfg.Resources {
		applyResourceDefaults(&cfg.Resources[i])
	}
	return cfg, nil
}

func applyResourceDefaults(rc *ResourceConfig) {
	if rc.Ordering == "" {
		rc.Ordering = "flush"
	}
	if rc.Net.Protocol == "" {
		rc.Net.Protocol = "C"
	}
	if rc.Net.Algorithm == "" {
		rc.Net.Algorithm = "sha256"
	}
	if rc.Net.AfterSB0p == "" {
		rc.Net.AfterSB0p = "disconnect"
	}
	if rc.Net.AfterSB1p == "" {
		rc.Net.AfterSB1p = "disconnect"
	}
	if rc.Net.AfterSB2p == "" {
		rc.Net.AfterSB2p = "disconnect"
	}
	if rc.Net.RRConflict == "" {
		rc.Net.RRConflict = "disconnect"
	}
	if rc.Net.PingInt == "" {
		rc.Net.PingInt = "10s"
	}
	if rc.Net.PingTimeout == "" {
		rc.Net.PingTimeout = "5s"
	}
	if rc.Net.ConnectInt == "" {
		rc.Net.ConnectInt = "10s"
	}
	if rc.Sync.Rate == "" {
		rc.Sync.Rate = "250M"
	}
	for i := range rc.Volumes {
		v := &rc.Volumes[i]
		// Expand home directory in paths
		if strings.HasPrefix(v.Device, "~/") {
			if homeDir, err := os.UserHomeDir(); err == nil {
				v.Device = filepath.Join(homeDir, v.Device[2:])
			}
		}
		if strings.HasPrefix(v.MetaDir, "~/") {
			if homeDir, err := os.UserHomeDir(); err == nil {
				v.MetaDir = filepath.Join(homeDir, v.MetaDir[2:])
			}
		}
	}
}

var wireProtocols = map[string]uint32{"A": 1, "B": 2, "C": 3}

var orderings = map[string]epoch.WriteOrdering{
	"none":    epoch.OrderNone,
	"drain":   epoch.OrderDrainIO,
	"flush":   epoch.OrderBdevFlush,
	"barrier": epoch.OrderBioBarrier,
}

// Validate checks if the resource configuration is valid.
func (rc *ResourceConfig) Validate() error {
	if rc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if rc.NodeID < 0 || int(rc.NodeID) >= uuids.MaxNodes {
		return fmt.Errorf("node_id must be between 0 and %d", uuids.MaxNodes-1)
	}
	if _, ok := orderings[rc.Ordering]; !ok {
		return fmt.Errorf("invalid ordering %q (none, drain, flush, barrier)", rc.Ordering)
	}
	if _, ok := wireProtocols[rc.Net.Protocol]; !ok {
		return fmt.Errorf("invalid protocol %q (A, B, C)", rc.Net.Protocol)
	}
	if rc.Net.Algorithm != "sha256" && rc.Net.Algorithm != "blake2b" {
		return fmt.Errorf("invalid algorithm %q (sha256, blake2b)", rc.Net.Algorithm)
	}
	for _, s := range []string{rc.Net.AfterSB0p, rc.Net.AfterSB1p, rc.Net.AfterSB2p, rc.Net.RRConflict} {
		if _, err := uuids.ParsePolicy(s); err != nil {
			return err
		}
	}
	for _, s := range []string{rc.Net.PingInt, rc.Net.PingTimeout, rc.Net.ConnectInt} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
	}
	if _, err := bytesize.Parse(rc.Sync.Rate); err != nil {
		return fmt.Errorf("invalid sync rate: %w", err)
	}
	if len(rc.Volumes) == 0 {
		return fmt.Errorf("at least one volume is required")
	}
	seen := make(map[int]bool)
	for _, v := range rc.Volumes {
		if v.Device == "" {
			return fmt.Errorf("volume %d: device is required", v.Volume)
		}
		if seen[v.Volume] {
			return fmt.Errorf("volume %d configured twice", v.Volume)
		}
		seen[v.Volume] = true
		if v.Size != "" {
			if _, err := bytesize.Parse(v.Size); err != nil {
				return fmt.Errorf("volume %d: invalid size: %w", v.Volume, err)
			}
		}
	}
	if len(rc.Peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}
	for _, p := range rc.Peers {
		if p.NodeID == rc.NodeID {
			return fmt.Errorf("peer node_id %d collides with our own", p.NodeID)
		}
		if p.NodeID < 0 || int(p.NodeID) >= uuids.MaxNodes {
			return fmt.Errorf("peer node_id must be between 0 and %d", uuids.MaxNodes-1)
		}
		for _, addr := range []string{p.LocalAddr, p.PeerAddr} {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("peer %d: invalid address %q: %w", p.NodeID, addr, err)
			}
		}
	}
	return nil
}

// Validate checks every resource in the file.
func (c *Config) Validate() error {
	if len(c.Resources) == 0 {
		return fmt.Errorf("at least one resource is required")
	}
	names := make(map[string]bool)
	for i := range c.Resources {
		rc := &c.Resources[i]
		if names[rc.Name] {
			return fmt.Errorf("resource %q configured twice", rc.Name)
		}
		names[rc.Name] = true
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("resource %q: %w", rc.Name, err)
		}
	}
	return nil
}

// Options translates the validated resource config into replication
// options. Call Validate first; parse failures here fall back to the
// defaults.
func (rc *ResourceConfig) Options() replication.Options {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	policy := func(s string) uuids.Policy {
		p, _ := uuids.ParsePolicy(s)
		return p
	}
	rate, _ := bytesize.Parse(rc.Sync.Rate)
	return replication.Options{
		Primary:       rc.Primary,
		TwoPrimaries:  rc.Net.TwoPrimaries,
		WireProtocol:  wireProtocols[rc.Net.Protocol],
		AfterSB0p:     policy(rc.Net.AfterSB0p),
		AfterSB1p:     policy(rc.Net.AfterSB1p),
		AfterSB2p:     policy(rc.Net.AfterSB2p),
		RRConflict:    policy(rc.Net.RRConflict),
		DiscardMyData: rc.Net.DiscardMyData,
		Secret:        rc.Net.Secret,
		Algorithm:     rc.Net.Algorithm,
		IntegrityAlg:  rc.Net.IntegrityAlg,
		VerifyAlg:     rc.Sync.VerifyAlg,
		CsumAlg:       rc.Sync.CsumAlg,
		ResyncRate:    uint32(rate >> 10),
		PingInt:       parse(rc.Net.PingInt),
		PingTimeout:   parse(rc.Net.PingTimeout),
		ConnectInt:    parse(rc.Net.ConnectInt),
		Ordering:      orderings[rc.Ordering],
	}
}
