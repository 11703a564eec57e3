package hostsim

import (
	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/driver"
)

// Config describes the emulated platforms and their devices.
type Config struct {
	Platforms []PlatformConfig `yaml:"platforms" mapstructure:"platforms"`
}

// PlatformConfig describes one emulated platform.
type PlatformConfig struct {
	Name    string         `yaml:"name" mapstructure:"name"`
	Vendor  string         `yaml:"vendor" mapstructure:"vendor"`
	Devices []DeviceConfig `yaml:"devices" mapstructure:"devices"`
}

// DeviceConfig describes one emulated device. Zero sizes take defaults.
type DeviceConfig struct {
	Name             string `yaml:"name" mapstructure:"name"`
	Type             string `yaml:"type" mapstructure:"type"`
	ComputeUnits     int    `yaml:"compute_units" mapstructure:"compute_units"`
	ClockMHz         int    `yaml:"clock_mhz" mapstructure:"clock_mhz"`
	GlobalMemSize    int64  `yaml:"global_mem_size" mapstructure:"global_mem_size"`
	MaxMemAllocSize  int64  `yaml:"max_mem_alloc_size" mapstructure:"max_mem_alloc_size"`
	LocalMemSize     int64  `yaml:"local_mem_size" mapstructure:"local_mem_size"`
	MaxWorkGroupSize int    `yaml:"max_work_group_size" mapstructure:"max_work_group_size"`
	Unavailable      bool   `yaml:"unavailable,omitempty" mapstructure:"unavailable"`
	NoCompiler       bool   `yaml:"no_compiler,omitempty" mapstructure:"no_compiler"`
}

// DefaultConfig returns one platform with a GPU-like and a CPU-like device.
func DefaultConfig() Config {
	return Config{
		Platforms: []PlatformConfig{{
			Name:   "clpp host simulator",
			Vendor: "clpp",
			Devices: []DeviceConfig{
				{Name: "hostsim gpu", Type: "gpu", ComputeUnits: 8, ClockMHz: 1200, GlobalMemSize: 256 << 20},
				{Name: "hostsim cpu", Type: "cpu", ComputeUnits: 4, ClockMHz: 2400, GlobalMemSize: 512 << 20},
			},
		}},
	}
}

// Validate checks that every device type parses and that names are set.
func (c Config) Validate() error {
	for i, p := range c.Platforms {
		if p.Name == "" {
			return errors.Errorf("hostsim: platform %d has no name", i)
		}
		if len(p.Devices) == 0 {
			return errors.Errorf("hostsim: platform %q has no devices", p.Name)
		}
		for j, d := range p.Devices {
			if d.Name == "" {
				return errors.Errorf("hostsim: platform %q device %d has no name", p.Name, j)
			}
			t, err := driver.ParseDeviceType(d.Type)
			if err != nil {
				return errors.Wrapf(err, "hostsim: device %q", d.Name)
			}
			if t == driver.DeviceTypeAll || t == driver.DeviceTypeDefault {
				return errors.Errorf("hostsim: device %q needs a concrete type, got %q", d.Name, d.Type)
			}
			if d.ComputeUnits < 0 || d.GlobalMemSize < 0 || d.MaxWorkGroupSize < 0 {
				return errors.Errorf("hostsim: device %q has a negative limit", d.Name)
			}
		}
	}
	return nil
}

func (d DeviceConfig) withDefaults() DeviceConfig {
	if d.ComputeUnits == 0 {
		d.ComputeUnits = 4
	}
	if d.ClockMHz == 0 {
		d.ClockMHz = 1000
	}
	if d.GlobalMemSize == 0 {
		d.GlobalMemSize = 64 << 20
	}
	if d.MaxMemAllocSize == 0 {
		d.MaxMemAllocSize = d.GlobalMemSize / 4
	}
	if d.LocalMemSize == 0 {
		d.LocalMemSize = 32 << 10
	}
	if d.MaxWorkGroupSize == 0 {
		d.MaxWorkGroupSize = 256
	}
	return d
}
