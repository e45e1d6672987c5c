package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/oplab/simsync/daq"
	"github.com/oplab/simsync/sequencer"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "simsync.yml"
	k              = koanf.New(".")
)

// Config is the top-level configuration for the program
type Config struct {
	// Driver selects the DAQ backend, "mock" is the only one in a stock build
	Driver string `yaml:"Driver"`

	// Acquire holds the acquisition parameters
	Acquire sequencer.Config `yaml:"Acquire"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Driver:  "mock",
		Acquire: sequencer.DefaultConfig()}, "yaml"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadcfg() Config {
	c := Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "yaml"})
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `simsync runs hardware-timed SIM acquisition sequences, driving the
camera, excitation lasers, and SLM from a single digital output buffer
clocked by the DAQ and replayed once per camera frame.

Usage:
	simsync <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `simsync is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration, the program runs a single image against the mock
driver with the default line map and timing.

The line map assigns one digital line (bit) per device on the output port:
camera trigger, one line per excitation laser (keys are wavelengths in nm),
SLM enable, SLM trigger, and SLM order-finish input.  No two devices may
share a line.

Timing is specified in microseconds for the exposure and edge pulse widths
and milliseconds for the pre-enable and tail segments; all durations are
rounded to the nearest sample at the configured rate.

Drivers and matching "Driver" fields, case insensitive:
- Mock (pure software, no hardware required):
	> "mock", "sim", "dry-run"

A vendor DAQ binding registers additional drivers in builds that include it.`
	fmt.Println(str)
}

func mkconf() {
	c := loadcfg()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadcfg()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("simsync version %v\n", Version)
}

func opendevice(c Config) daq.Device {
	switch strings.ToLower(c.Driver) {
	case "mock", "sim", "dry-run":
		m := daq.NewMock()
		// pace the simulated camera at the real frame cadence so dry runs
		// take as long as the hardware would
		m.EdgeInterval = c.Acquire.WithDefaults().Timing.FrameDuration()
		return m
	default:
		log.Fatalf("unknown driver %q, this build only includes \"mock\"", c.Driver)
		return nil
	}
}

func run() {
	c := loadcfg()
	dev := opendevice(c)
	defer dev.Close()

	seq, err := sequencer.New(dev, c.Acquire)
	if err != nil {
		log.Fatal(err)
	}
	defer seq.Close()

	sched, err := sequencer.NewScheduler(seq, sequencer.PlanFromConfig(seq.Config()))
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " acquiring",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	})
	if err != nil {
		log.Fatal(err)
	}
	total := seq.Config().Images
	sched.Progress = func(image int) {
		spinner.Message(fmt.Sprintf("image %d of %d", image, total))
	}
	spinner.Start()
	err = sched.Run(ctx)
	if err != nil {
		spinner.StopFail()
		log.Fatalf("acquisition failed: %v", err)
	}
	spinner.Stop()
	log.Printf("acquired %d images", total)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
