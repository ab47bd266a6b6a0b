// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the configuration of one coprocessor context
package copro

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"k8s.io/klog/v2"
)

// Duration wraps time.Duration so it can be written as "500ms" in the config file
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ChannelConfig : frame geometry negotiated for one IPC channel at init time
type ChannelConfig struct {
	Frames    uint32 `toml:"frames"`
	FrameSize uint32 `toml:"frame_size"`
	Signal    string `toml:"signal"` // "mailbox" or "doorbell"
}

type Config struct {
	Name     string `toml:"name"`
	StreamID uint8  `toml:"stream_id"`

	MailboxTimeout    Duration `toml:"mailbox_timeout"`
	MailboxPoll       Duration `toml:"mailbox_poll"` // poll interval of WAIT_POLL interfaces
	AdminTimeout      Duration `toml:"admin_timeout"`
	BootTimeout       Duration `toml:"boot_timeout"`
	SendRetries       int      `toml:"send_retries"`
	SendRetryInterval Duration `toml:"send_retry_interval"`

	RegionBudget uint64 `toml:"region_budget"`
	FirmwareSize uint64 `toml:"firmware_size"`
	AdminSize    uint64 `toml:"admin_size"`
	ConfigSize   uint64 `toml:"config_size"`
	LogSize      uint64 `toml:"log_size"`

	AsyncSlots      int `toml:"async_slots"`
	DispatchWorkers int `toml:"dispatch_workers"`
	WorkQueueDepth  int `toml:"work_queue_depth"`

	Channels map[string]ChannelConfig `toml:"channels"`

	PciVendor string `toml:"pci_vendor"`
	PciDevice string `toml:"pci_device"`

	Backend      string `toml:"backend"` // "sim" or "devmem"
	FirmwarePath string `toml:"firmware_path"`
	MmioBase     uint64 `toml:"mmio_base"`
	MmioSize     uint64 `toml:"mmio_size"`
	CarveoutBase uint64 `toml:"carveout_base"`
	CarveoutSize uint64 `toml:"carveout_size"`
}

// DefaultConfig returns the settings used when no config file is supplied
func DefaultConfig() Config {
	return Config{
		Name:              "copro0",
		StreamID:          0x12,
		MailboxTimeout:    Duration{2 * time.Second},
		MailboxPoll:       Duration{time.Millisecond},
		AdminTimeout:      Duration{5 * time.Second},
		BootTimeout:       Duration{10 * time.Second},
		SendRetries:       5,
		SendRetryInterval: Duration{2 * time.Millisecond},
		RegionBudget:      64 << 20,
		FirmwareSize:      4 << 20,
		AdminSize:         64 << 10,
		ConfigSize:        4 << 10,
		LogSize:           64 << 10,
		AsyncSlots:        4,
		DispatchWorkers:   2,
		WorkQueueDepth:    64,
		Channels: map[string]ChannelConfig{
			"admin":    {Frames: 4, FrameSize: 1024, Signal: "mailbox"},
			"mgmt":     {Frames: 4, FrameSize: 1024, Signal: "mailbox"},
			"event":    {Frames: 8, FrameSize: 256, Signal: "doorbell"},
			"security": {Frames: 2, FrameSize: 512, Signal: "mailbox"},
		},
		Backend: "sim",
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	md, err := toml.Decode(string(b), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("copro-config: %s: %v: %w", path, err, ErrInvalidParam)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		klog.V(DBG_LVL_BASIC).InfoS("copro-config.LoadConfig unknown keys ignored", "keys", undecoded)
	}
	mergeChannelDefaults(&cfg, md)
	return cfg, cfg.Validate()
}

// mergeChannelDefaults fills the keys a [channels.X] table left out. The
// decoder replaces a whole map entry, not single fields.
func mergeChannelDefaults(cfg *Config, md toml.MetaData) {
	for name, def := range DefaultConfig().Channels {
		ch, ok := cfg.Channels[name]
		if !ok || !md.IsDefined("channels", name) {
			continue
		}
		if !md.IsDefined("channels", name, "frames") {
			ch.Frames = def.Frames
		}
		if !md.IsDefined("channels", name, "frame_size") {
			ch.FrameSize = def.FrameSize
		}
		if !md.IsDefined("channels", name, "signal") {
			ch.Signal = def.Signal
		}
		cfg.Channels[name] = ch
	}
}

// Validate checks the config for values the core cannot work with
func (c *Config) Validate() error {
	if c.MailboxTimeout.Duration <= 0 || c.AdminTimeout.Duration <= 0 || c.BootTimeout.Duration <= 0 {
		return fmt.Errorf("copro-config: timeouts must be positive: %w", ErrTimerInvalid)
	}
	if c.MailboxPoll.Duration <= 0 {
		c.MailboxPoll.Duration = time.Millisecond
	}
	if c.AsyncSlots <= 0 || c.DispatchWorkers <= 0 || c.WorkQueueDepth <= 0 {
		return fmt.Errorf("copro-config: async_slots, dispatch_workers and work_queue_depth must be positive: %w", ErrInvalidParam)
	}
	if c.SendRetries < 0 {
		return fmt.Errorf("copro-config: send_retries must not be negative: %w", ErrInvalidParam)
	}
	for _, ct := range channelTypes {
		chCfg, ok := c.Channels[ct.String()]
		if !ok {
			return fmt.Errorf("copro-config: channel %q missing: %w", ct, ErrIpcBadChannel)
		}
		if chCfg.Frames == 0 || chCfg.FrameSize <= ipcHeaderSize {
			return fmt.Errorf("copro-config: channel %q needs frames and a frame_size above %d: %w", ct, ipcHeaderSize, ErrIpcInit)
		}
		if _, err := parseSignalType(chCfg.Signal); err != nil {
			return fmt.Errorf("copro-config: channel %q: %w", ct, err)
		}
	}
	if c.Channels[CH_ADMIN.String()].FrameSize < adminMsgMinSize {
		return fmt.Errorf("copro-config: admin frame_size below %d: %w", adminMsgMinSize, ErrIpcInit)
	}
	switch c.Backend {
	case "sim", "devmem":
	default:
		return fmt.Errorf("copro-config: unknown backend %q: %w", c.Backend, ErrInvalidParam)
	}
	return nil
}
