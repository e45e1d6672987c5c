package sequencer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/oplab/simsync/waveform"
)

// Config holds the full configuration surface of one acquisition.  Zero
// fields are filled from DefaultConfig by WithDefaults, which New applies,
// so a file only needs to name what differs from the bench defaults.
type Config struct {
	// Device is the DAQ device identifier, e.g. "Dev1"
	Device string `yaml:"Device"`

	// Port is the digital output port carrying all control lines,
	// e.g. "Dev1/port0/line0:7"
	Port string `yaml:"Port"`

	// TriggerTerminal is the input terminal carrying the camera ready
	// signal, e.g. "/Dev1/PFI8".  Both the output start trigger and the
	// completion counter listen here.
	TriggerTerminal string `yaml:"TriggerTerminal"`

	// Counter is the counter resource used for completion detection,
	// e.g. "ctr0"
	Counter string `yaml:"Counter"`

	// Lines assigns logical signals to output lines
	Lines waveform.LineMap `yaml:"Lines"`

	// Timing is the per-frame timing configuration
	Timing waveform.Timing `yaml:"Timing"`

	// ActiveLasers lists the wavelengths (nm) gated on during exposures
	ActiveLasers []int `yaml:"ActiveLasers"`

	// Images is the number of images in the acquisition
	Images int `yaml:"Images"`

	// SpacingMS is the target start-to-start spacing between images in
	// milliseconds
	SpacingMS float64 `yaml:"SpacingMS"`

	// SafetyFactor scales the completion timeout; keep it at 1.2 or above
	SafetyFactor float64 `yaml:"SafetyFactor"`

	// ReadoutMS is the per-frame camera readout allowance folded into the
	// expected frame duration
	ReadoutMS float64 `yaml:"ReadoutMS"`

	// PollIntervalMS is the completion-poll granularity used when the
	// counter offers no completion notification
	PollIntervalMS float64 `yaml:"PollIntervalMS"`
}

// DefaultConfig reproduces the bench defaults: 100 kHz clock, 100 ms
// exposure, 100 us modulator pulses, 9 frames per image, single 488 nm
// laser, one image, 2 s start-to-start spacing.
func DefaultConfig() Config {
	return Config{
		Device:          "Dev1",
		Port:            "Dev1/port0/line0:7",
		TriggerTerminal: "/Dev1/PFI8",
		Counter:         "ctr0",
		Lines:           waveform.DefaultLineMap(),
		Timing: waveform.Timing{
			SampleRate:     100000,
			ExposureUS:     100000,
			EdgePulseUS:    100,
			FramesPerImage: 9,
			PreEnableMS:    10,
			TailLowMS:      1,
		},
		ActiveLasers:   []int{waveform.Laser488},
		Images:         1,
		SpacingMS:      2000,
		SafetyFactor:   1.2,
		ReadoutMS:      12,
		PollIntervalMS: 1,
	}
}

// WithDefaults returns c with zero fields replaced by their defaults
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Device == "" {
		c.Device = d.Device
	}
	if c.Port == "" {
		c.Port = d.Port
	}
	if c.TriggerTerminal == "" {
		c.TriggerTerminal = d.TriggerTerminal
	}
	if c.Counter == "" {
		c.Counter = d.Counter
	}
	if c.Lines.Lasers == nil {
		c.Lines = d.Lines
	}
	if c.Timing.SampleRate == 0 {
		c.Timing.SampleRate = d.Timing.SampleRate
	}
	if c.Timing.ExposureUS == 0 {
		c.Timing.ExposureUS = d.Timing.ExposureUS
	}
	if c.Timing.EdgePulseUS == 0 {
		c.Timing.EdgePulseUS = d.Timing.EdgePulseUS
	}
	if c.Timing.FramesPerImage == 0 {
		c.Timing.FramesPerImage = d.Timing.FramesPerImage
	}
	if c.Timing.PreEnableMS == 0 {
		c.Timing.PreEnableMS = d.Timing.PreEnableMS
	}
	if c.Timing.TailLowMS == 0 {
		c.Timing.TailLowMS = d.Timing.TailLowMS
	}
	if c.ActiveLasers == nil {
		c.ActiveLasers = d.ActiveLasers
	}
	if c.Images == 0 {
		c.Images = d.Images
	}
	if c.SpacingMS == 0 {
		c.SpacingMS = d.SpacingMS
	}
	if c.SafetyFactor == 0 {
		c.SafetyFactor = d.SafetyFactor
	}
	if c.ReadoutMS == 0 {
		c.ReadoutMS = d.ReadoutMS
	}
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = d.PollIntervalMS
	}
	return c
}

// Validate ensures the configuration describes a runnable acquisition
func (c Config) Validate() error {
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	if err := c.Lines.Validate(); err != nil {
		return err
	}
	for _, nm := range c.ActiveLasers {
		if _, ok := c.Lines.Lasers[nm]; !ok {
			return fmt.Errorf("%w: %d nm", waveform.ErrUnassignedWavelength, nm)
		}
	}
	if c.Images <= 0 {
		return fmt.Errorf("%w: Images", waveform.ErrNotPositive)
	}
	if c.SpacingMS <= 0 {
		return fmt.Errorf("%w: SpacingMS", waveform.ErrNotPositive)
	}
	if c.SafetyFactor < 1 {
		return fmt.Errorf("SafetyFactor must be at least 1, got %g", c.SafetyFactor)
	}
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("%w: PollIntervalMS", waveform.ErrNotPositive)
	}
	return nil
}

// Spacing is the image start-to-start spacing as a duration
func (c Config) Spacing() time.Duration {
	return time.Duration(c.SpacingMS * float64(time.Millisecond))
}

// PollInterval is the completion-poll granularity as a duration
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS * float64(time.Millisecond))
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}
