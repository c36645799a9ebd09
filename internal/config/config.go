// Package config loads the machine configuration: memory size, JIT
// tier thresholds, code cache limits, ring sizes, and USB topology.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultFilename = "aerocore.yaml"

// MachineConfig describes one emulated machine.
type MachineConfig struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name,omitempty"`

	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	JIT JITConfig `yaml:"jit,omitempty"`

	GPU  RingConfig `yaml:"gpu,omitempty"`
	NVMe RingConfig `yaml:"nvme,omitempty"`

	USB USBConfig `yaml:"usb,omitempty"`
}

type JITConfig struct {
	Tier1Threshold uint64 `yaml:"tier1Threshold,omitempty"`
	Tier2Threshold uint64 `yaml:"tier2Threshold,omitempty"`

	CacheMaxBlocks int `yaml:"cacheMaxBlocks,omitempty"`
	CacheMaxBytes  int `yaml:"cacheMaxBytes,omitempty"`
	VersionedPages int `yaml:"versionedPages,omitempty"`
}

type RingConfig struct {
	Entries uint32 `yaml:"entries,omitempty"`
	// VblankPeriodNs paces vsync'd fence completion; GPU only.
	VblankPeriodNs uint32 `yaml:"vblankPeriodNs,omitempty"`
}

type USBConfig struct {
	Ports int `yaml:"ports,omitempty"`
	// HostBackend, when set, names the helper library path for USB
	// passthrough.
	HostBackend string `yaml:"hostBackend,omitempty"`
}

func (c *MachineConfig) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 512
	}
	if c.JIT.Tier1Threshold == 0 {
		c.JIT.Tier1Threshold = 10
	}
	if c.JIT.Tier2Threshold == 0 {
		c.JIT.Tier2Threshold = 1000
	}
	if c.JIT.CacheMaxBlocks == 0 {
		c.JIT.CacheMaxBlocks = 4096
	}
	if c.JIT.CacheMaxBytes == 0 {
		c.JIT.CacheMaxBytes = 256 * 1024 * 1024
	}
	if c.JIT.VersionedPages == 0 {
		c.JIT.VersionedPages = 4096
	}
	if c.GPU.Entries == 0 {
		c.GPU.Entries = 256
	}
	if c.GPU.VblankPeriodNs == 0 {
		c.GPU.VblankPeriodNs = 16_666_667 // 60 Hz
	}
	if c.NVMe.Entries == 0 {
		c.NVMe.Entries = 1024
	}
	if c.USB.Ports == 0 {
		c.USB.Ports = 2
	}
}

func (c *MachineConfig) validate() error {
	if c.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", c.Version)
	}
	if c.JIT.Tier1Threshold >= c.JIT.Tier2Threshold {
		return fmt.Errorf("config: tier1Threshold (%d) must be below tier2Threshold (%d)",
			c.JIT.Tier1Threshold, c.JIT.Tier2Threshold)
	}
	for _, r := range []struct {
		name    string
		entries uint32
	}{{"gpu", c.GPU.Entries}, {"nvme", c.NVMe.Entries}} {
		if r.entries&(r.entries-1) != 0 {
			return fmt.Errorf("config: %s.entries (%d) must be a power of two", r.name, r.entries)
		}
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() MachineConfig {
	var c MachineConfig
	c.normalize()
	return c
}

// Load reads and validates a machine configuration file.
func Load(path string) (MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MachineConfig{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document, applying defaults for
// omitted fields.
func Parse(data []byte) (MachineConfig, error) {
	var c MachineConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return MachineConfig{}, fmt.Errorf("config: %w", err)
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return MachineConfig{}, err
	}
	return c, nil
}
