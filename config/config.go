package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding the configuration.
const EnvPrefix = "COLIBRI"

// Config is the configuration of the node.
type Config struct {
	Segment   SegmentConfig   `mapstructure:"segment"`
	Device    DeviceConfig    `mapstructure:"device"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	AD        ADConfig        `mapstructure:"ad"`
	RPC       RPCConfig       `mapstructure:"rpc"`
}

// SegmentConfig is the configuration of the back-end segment.
type SegmentConfig struct {
	Path string `mapstructure:"path"`
	// ID is the UUID of the segment. Empty value means random one is generated when segment is created.
	ID string `mapstructure:"id"`
}

// Device kinds.
const (
	DeviceMemory = "memory"
	DeviceFile   = "file"
	// DeviceDummy discards writes and reads zeros. Useful for measuring metadata path.
	DeviceDummy = "dummy"
)

// DeviceConfig is the configuration of the block device backing AD domain.
type DeviceConfig struct {
	Kind string `mapstructure:"kind"`
	// Path of the device file, used by file devices only.
	Path       string `mapstructure:"path"`
	Size       uint64 `mapstructure:"size"`
	BlockShift uint32 `mapstructure:"block_shift"`
}

// AllocatorConfig is the configuration of the block allocator.
type AllocatorConfig struct {
	BlockShift  uint32 `mapstructure:"block_shift"`
	GroupBlocks uint64 `mapstructure:"group_blocks"`
}

// ADConfig is the configuration of the AD domain.
type ADConfig struct {
	Key string `mapstructure:"key"`
}

// RPCConfig is the configuration of RPC sessions.
type RPCConfig struct {
	Slots       uint64 `mapstructure:"slots"`
	MaxInFlight uint64 `mapstructure:"max_in_flight"`
}

var defaults = map[string]any{
	"segment.path":           "colibri.db",
	"segment.id":             "",
	"device.kind":            DeviceMemory,
	"device.path":            "",
	"device.size":            64 << 20,
	"device.block_shift":     9,
	"allocator.block_shift":  12,
	"allocator.group_blocks": 1024,
	"ad.key":                 "data",
	"rpc.slots":              4,
	"rpc.max_in_flight":      1,
}

// Default returns default configuration. Environment is not consulted.
func Default() Config {
	cfg, err := load(defaultViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load loads configuration from the YAML file, if path is not empty, and from environment variables.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading config file %q failed", path)
		}
	}
	return load(v)
}

func defaultViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func newViper() *viper.Viper {
	v := defaultViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding config failed")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate verifies the configuration.
func (c Config) Validate() error {
	switch {
	case c.Segment.Path == "":
		return errors.New("segment path is empty")
	case c.Device.Kind != DeviceMemory && c.Device.Kind != DeviceFile && c.Device.Kind != DeviceDummy:
		return errors.Errorf("unknown device kind %q", c.Device.Kind)
	case c.Device.Kind == DeviceFile && c.Device.Path == "":
		return errors.New("file device requires path")
	case c.AD.Key == "":
		return errors.New("AD domain key is empty")
	case c.Allocator.BlockShift < c.Device.BlockShift:
		return errors.Errorf("allocator block shift %d is smaller than device block shift %d",
			c.Allocator.BlockShift, c.Device.BlockShift)
	case c.Device.Size>>c.Allocator.BlockShift == 0:
		return errors.Errorf("device of %d bytes has no allocator blocks", c.Device.Size)
	case c.Allocator.GroupBlocks == 0:
		return errors.New("allocator group is empty")
	case c.RPC.Slots == 0 || c.RPC.MaxInFlight == 0:
		return errors.New("RPC session must have slots and positive window")
	}
	return nil
}
