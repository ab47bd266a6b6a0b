// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Seagate/copro-lib/pkg/copro"

	"k8s.io/klog/v2"
)

var Version = "1.0.0"

// This variable is filled in during the linker step - -ldflags "-X main.buildTime=`date -u '+%Y-%m-%dT%H:%M:%S'`"
var buildTime = ""

var helptxt = `
copro-util is a command line tool to boot a coprocessor and exercise its admin interface.

Usage:
./copro-util [--version] [--help] [--config=FILE] [--backend=sim|devmem] [--firmware=FILE]
             [--boot] [--echo=TEXT] [--health] [--suspend] [--resume] [--log] [--crash] [--status] [--verbosity=0]

Which:
	version            : Print the version of this application and exit
	help               : Print the help text and exit
	config=FILE        : Read the coprocessor settings from a TOML file
	backend=sim|devmem : Override the hardware backend of the config
	firmware=FILE      : Firmware image to boot. The sim backend boots its own image when empty
	boot               : Boot the coprocessor. Implied by every command below
	echo=TEXT          : Send TEXT through the admin ECHO command
	health             : Run the admin health check
	suspend            : Put the coprocessor into SC7
	resume             : Suspend then resume the coprocessor
	log                : Flush and print the firmware log
	crash              : Print the firmware crash record
	status             : Print the lifecycle state, channel flags and regions
	verbosity          : Set the log level verbosity, where 0 is no longing and 4 is very verbose
`

const (
	DefaultVerbosity = "0" // Default log level
)

type Settings struct {
	Version   bool   // Print the version of this application and exit if true
	Verbosity string // The log level verbosity, where 0 is no longing and 4 is very verbose
	Help      bool   // Print the help text and exit
	Config    string // TOML config file
	Backend   string // Hardware backend override
	Firmware  string // Firmware image path
	Boot      bool   // Boot the coprocessor
	Echo      string // Text sent through ECHO
	Health    bool   // Run the health check
	Suspend   bool   // Enter SC7
	Resume    bool   // Enter then leave SC7
	Log       bool   // Print the firmware log
	Crash     bool   // Print the crash record
	Status    bool   // Print state information
}

// InitFlags: initialize the configuration data using command line args, ENV, or a file
func (s *Settings) InitContext(args []string, ctx context.Context) (error, context.Context) {

	newContext := ctx

	flags := flag.NewFlagSet(args[0], flag.ExitOnError)

	var (
		version   = flags.Bool("version", false, "Display version and exit")
		verbosity = flags.String("verbosity", DefaultVerbosity, "Log level verbosity")
		help      = flags.Bool("help", false, "Print the help text")
		config    = flags.String("config", "", "TOML config file")
		backend   = flags.String("backend", "", "Hardware backend: sim or devmem")
		firmware  = flags.String("firmware", "", "Firmware image to boot")
		boot      = flags.Bool("boot", false, "Boot the coprocessor")
		echo      = flags.String("echo", "", "Send the text through the admin ECHO command")
		health    = flags.Bool("health", false, "Run the admin health check")
		suspend   = flags.Bool("suspend", false, "Put the coprocessor into SC7")
		resume    = flags.Bool("resume", false, "Suspend then resume the coprocessor")
		log       = flags.Bool("log", false, "Flush and print the firmware log")
		crash     = flags.Bool("crash", false, "Print the firmware crash record")
		status    = flags.Bool("status", false, "Print lifecycle state, channel flags and regions")
	)

	// Parse 1) command line arguments, 2) env variables, 3) config file settings, and 4) defaults (in this order)
	err := flags.Parse(args[1:])
	if err != nil {
		return err, newContext
	}

	// Update the configuration object with the parsed values
	s.Version = *version
	s.Verbosity = *verbosity
	s.Help = *help
	s.Config = *config
	s.Backend = *backend
	s.Firmware = *firmware
	s.Boot = *boot
	s.Echo = *echo
	s.Health = *health
	s.Suspend = *suspend
	s.Resume = *resume
	s.Log = *log
	s.Crash = *crash
	s.Status = *status

	if len(args) == 1 {
		s.Help = true
	}

	return nil, newContext
}

func (s *Settings) needsBoot() bool {
	return s.Boot || s.Echo != "" || s.Health || s.Suspend || s.Resume || s.Log || s.Crash
}

func PrintTableToStdout(table any, prefix, indent string) {
	s, _ := json.MarshalIndent(table, prefix, indent)
	fmt.Print(string(s), "\n")
}

// loadSettings builds the coprocessor config and firmware from the flags
func loadSettings(settings *Settings) (copro.Config, copro.Firmware, error) {
	cfg := copro.DefaultConfig()
	var err error
	if settings.Config != "" {
		if cfg, err = copro.LoadConfig(settings.Config); err != nil {
			return cfg, copro.Firmware{}, err
		}
	}
	if settings.Backend != "" {
		cfg.Backend = settings.Backend
	}
	if settings.Firmware != "" {
		cfg.FirmwarePath = settings.Firmware
	}
	if err := cfg.Validate(); err != nil {
		return cfg, copro.Firmware{}, err
	}
	if cfg.FirmwarePath == "" {
		if cfg.Backend == "sim" {
			return cfg, copro.SimFirmware(), nil
		}
		return cfg, copro.Firmware{}, fmt.Errorf("backend %s needs a firmware image: %w", cfg.Backend, copro.ErrBadFirmware)
	}
	img, err := os.ReadFile(cfg.FirmwarePath)
	if err != nil {
		return cfg, copro.Firmware{}, err
	}
	return cfg, copro.Firmware{Name: cfg.FirmwarePath, Image: img}, nil
}

func openHardware(cfg copro.Config) (copro.Hardware, error) {
	if cfg.Backend == "devmem" {
		return copro.OpenDevMem(cfg)
	}
	return copro.NewSimHardware(), nil
}

func fail(what string, err error) {
	fmt.Printf("ERROR: %s, err=%v, action=%s\n", what, err, copro.Classify(err))
	os.Exit(1)
}

func printStatus(c *copro.Coprocessor) {
	fmt.Printf("\nCoprocessor %s: state %s, ready %v\n", c.Name(), c.Fsm().State(), c.Ready())
	prFmt := "%10s | %8s | %10s | %18s | %18s | %s \n"
	fmt.Printf(prFmt, "Channel", "Frames", "FrameSize", "RxIOVA", "TxIOVA", "Flags")
	for _, t := range []copro.ChannelType{copro.CH_ADMIN, copro.CH_MGMT, copro.CH_EVENT, copro.CH_SECURITY} {
		info, err := c.Ipc().ChannelInfo(t)
		if err != nil {
			continue
		}
		fmt.Printf(prFmt, t, fmt.Sprint(info.NFrames), fmt.Sprintf("0x%x", info.FrameSize),
			fmt.Sprintf("0x%x", info.RxIOVA), fmt.Sprintf("0x%x", info.TxIOVA), c.Ipc().ChannelFlags(t))
	}
	fmt.Printf("\nRegions (0x%x bytes reserved):\n", c.Regions().Reserved())
	for id := copro.REGION_FIRMWARE; id <= copro.REGION_LOG; id++ {
		if r, err := c.Regions().Lookup(id); err == nil {
			PrintTableToStdout(map[string]any{"id": id.String(), "iova": fmt.Sprintf("0x%x", r.IOVA), "size": fmt.Sprintf("0x%x", r.Size), "mapped": r.Mapped()}, "   ", "   ")
		}
	}
}

func main() {

	// Extract settings and initialize context using command line args, env, config file, or defaults
	settings := Settings{}
	ctx := context.Background()
	var err error
	err, ctx = settings.InitContext(os.Args, ctx)

	if err != nil {
		fmt.Printf("ERROR: parsing parameters, err=%v\n", err)
		os.Exit(1)
	}

	// Set verbosity level according to the 'verbosity' flag
	var l klog.Level
	l.Set(settings.Verbosity)

	// copro-util banner
	args := strings.Join(os.Args[1:], " ")
	klog.V(1).InfoS("copro-util", "args", args)
	klog.V(2).InfoS("copro-util", "settings", settings)

	if settings.Version {
		fmt.Println("[] copro-util", "version", Version, "build", buildTime)
		os.Exit(0)
	}

	if settings.Help {
		fmt.Print(helptxt)
		os.Exit(0)
	}

	cfg, fw, err := loadSettings(&settings)
	if err != nil {
		fail("loading settings", err)
	}
	hw, err := openHardware(cfg)
	if err != nil {
		fail("opening "+cfg.Backend+" hardware", err)
	}
	c, err := copro.Attach(cfg, hw, fw)
	if err != nil {
		hw.Close()
		fail("attaching coprocessor", err)
	}
	svc := copro.NewService(c)
	defer svc.Close()

	if settings.needsBoot() {
		if err := svc.Boot(ctx); err != nil {
			fail("booting "+c.Name(), err)
		}
		fmt.Printf("Coprocessor %s booted with %s\n", c.Name(), fw.Name)
	}

	if settings.Echo != "" {
		if err := c.Admin().Echo(ctx, []byte(settings.Echo)); err != nil {
			fail("admin echo", err)
		}
		fmt.Printf("ECHO: %s\n", settings.Echo)
	}

	if settings.Health {
		if err := svc.Health(ctx); err != nil {
			fail("health check", err)
		}
		fmt.Printf("Health: ok (breaker %s)\n", svc.HealthState())
	}

	if settings.Log {
		text, err := svc.ReadLog(ctx)
		if err != nil {
			fail("reading firmware log", err)
		}
		fmt.Printf("\nFirmware log:\n%s\n", text)
	}

	if settings.Crash {
		text, err := svc.CrashDump(ctx)
		if err != nil {
			fail("reading crash record", err)
		}
		fmt.Printf("\nCrash record: %q\n", text)
	}

	if settings.Suspend || settings.Resume {
		if err := svc.Suspend(ctx); err != nil {
			fail("entering SC7", err)
		}
		fmt.Printf("Coprocessor %s entered SC7\n", c.Name())
		if settings.Resume {
			if err := svc.Resume(ctx); err != nil {
				fail("leaving SC7", err)
			}
			fmt.Printf("Coprocessor %s resumed\n", c.Name())
		}
	}

	if settings.Status {
		printStatus(c)
	}
}
