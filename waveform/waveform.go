/*Package waveform synthesizes the per-frame digital waveforms used to
synchronize a camera, illumination lasers, and a spatial light modulator
through one hardware-clocked digital output port.

A frame is one exposure + modulator-pulse cycle.  Within a frame:
  - the camera trigger line is high for the whole exposure
  - each active laser line is high for the whole exposure
  - the modulator enable line is high for the whole frame
  - the modulator trigger line pulses at the start of the frame
  - the modulator finish line pulses right after the exposure ends

All of this is pure computation; nothing in this package touches hardware.
*/
package waveform

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

const (
	// NumLines is the number of digital output lines driven on the port
	NumLines = 8

	// PortWidth is the number of lines a single port word can carry
	PortWidth = 16
)

// Laser wavelengths in nanometers, used as the keys of LineMap.Lasers
const (
	Laser405 = 405
	Laser488 = 488
	Laser561 = 561
	Laser647 = 647
)

var (
	// ErrNotPositive is generated when a timing value is zero or negative
	ErrNotPositive = errors.New("timing values must all be positive")

	// ErrNoSamples is generated when a duration rounds to zero samples
	ErrNoSamples = errors.New("computed sample count is not positive")

	// ErrUnassignedWavelength is generated when an active wavelength has no
	// line assignment
	ErrUnassignedWavelength = errors.New("wavelength has no line assignment")

	// ErrLineOutOfRange is generated when a line index falls outside the port
	ErrLineOutOfRange = errors.New("line index outside the output port")

	// ErrLineCollision is generated when two signals share one line
	ErrLineCollision = errors.New("two signals assigned to the same line")
)

// LineMap assigns each logical signal to a digital output line on the port.
// The assignment must be bijective; no two signals may share a line.
type LineMap struct {
	// Camera is the camera trigger output line
	Camera int `yaml:"Camera"`

	// Lasers maps laser wavelength (nm) to the line carrying its TTL gate
	Lasers map[int]int `yaml:"Lasers"`

	// SLMEnable is the modulator enable line, held high for the whole frame
	SLMEnable int `yaml:"SLMEnable"`

	// SLMTrigger is the modulator trigger line, pulsed at frame start
	SLMTrigger int `yaml:"SLMTrigger"`

	// SLMFinish is the modulator finish line, pulsed after the exposure
	SLMFinish int `yaml:"SLMFinish"`
}

// DefaultLineMap returns the as-wired assignment: camera on line 0, the four
// lasers on lines 1-4 in wavelength order, and the modulator on lines 5-7.
func DefaultLineMap() LineMap {
	return LineMap{
		Camera: 0,
		Lasers: map[int]int{
			Laser405: 1,
			Laser488: 2,
			Laser561: 3,
			Laser647: 4,
		},
		SLMEnable:  5,
		SLMTrigger: 6,
		SLMFinish:  7,
	}
}

// lines returns every assigned line index, lasers in wavelength order
func (lm LineMap) lines() []int {
	nms := make([]int, 0, len(lm.Lasers))
	for nm := range lm.Lasers {
		nms = append(nms, nm)
	}
	sort.Ints(nms)
	out := []int{lm.Camera}
	for _, nm := range nms {
		out = append(out, lm.Lasers[nm])
	}
	return append(out, lm.SLMEnable, lm.SLMTrigger, lm.SLMFinish)
}

// Validate ensures every line index is on the port and that the assignment
// is bijective
func (lm LineMap) Validate() error {
	seen := make(map[int]bool)
	for _, line := range lm.lines() {
		if line < 0 || line >= NumLines {
			return fmt.Errorf("%w: line %d, port has lines 0..%d", ErrLineOutOfRange, line, NumLines-1)
		}
		if seen[line] {
			return fmt.Errorf("%w: line %d", ErrLineCollision, line)
		}
		seen[line] = true
	}
	return nil
}

// Timing holds the timing configuration of one acquisition.  All durations
// and the sample rate must be positive.
type Timing struct {
	// SampleRate is the output clock frequency in Hz.  100 kHz gives a 10 us
	// placement resolution
	SampleRate float64 `yaml:"SampleRate"`

	// ExposureUS is the camera exposure in microseconds
	ExposureUS float64 `yaml:"ExposureUS"`

	// EdgePulseUS is the width of the modulator trigger and finish pulses in
	// microseconds
	EdgePulseUS float64 `yaml:"EdgePulseUS"`

	// FramesPerImage is the number of frames making up one image
	FramesPerImage int `yaml:"FramesPerImage"`

	// PreEnableMS is how long the modulator enable line is held high before
	// the first trigger edge may arrive, giving the modulator its response
	// time
	PreEnableMS float64 `yaml:"PreEnableMS"`

	// TailLowMS is how long every line is forced low after an image
	TailLowMS float64 `yaml:"TailLowMS"`
}

// Validate ensures all timing values are positive
func (t Timing) Validate() error {
	checks := []struct {
		name string
		v    float64
	}{
		{"SampleRate", t.SampleRate},
		{"ExposureUS", t.ExposureUS},
		{"EdgePulseUS", t.EdgePulseUS},
		{"FramesPerImage", float64(t.FramesPerImage)},
		{"PreEnableMS", t.PreEnableMS},
		{"TailLowMS", t.TailLowMS},
	}
	for _, c := range checks {
		if c.v <= 0 {
			return fmt.Errorf("%w: %s", ErrNotPositive, c.name)
		}
	}
	return nil
}

// samplesOf converts a duration in microseconds to a whole number of samples
func (t Timing) samplesOf(us float64) int {
	return int(math.Round(us * t.SampleRate / 1e6))
}

// ExposureSamples is the number of samples the camera and laser lines are
// held high
func (t Timing) ExposureSamples() int {
	return t.samplesOf(t.ExposureUS)
}

// EdgeSamples is the width of the modulator pulses in samples, never less
// than one sample
func (t Timing) EdgeSamples() int {
	s := t.samplesOf(t.EdgePulseUS)
	if s < 1 {
		return 1
	}
	return s
}

// FrameSamples is the length of one frame: exposure plus the finish pulse
func (t Timing) FrameSamples() int {
	return t.ExposureSamples() + t.EdgeSamples()
}

// PreEnableSamples is the length of the pre-enable segment in samples
func (t Timing) PreEnableSamples() int {
	return t.samplesOf(t.PreEnableMS * 1000)
}

// TailLowSamples is the length of the tail-low segment in samples, never
// less than one sample
func (t Timing) TailLowSamples() int {
	s := t.samplesOf(t.TailLowMS * 1000)
	if s < 1 {
		return 1
	}
	return s
}

// FrameDuration is the wall time one frame takes to play out
func (t Timing) FrameDuration() time.Duration {
	return time.Duration(float64(t.FrameSamples()) / t.SampleRate * float64(time.Second))
}

// Frame is the boolean waveform of exactly one frame, Lines[line][sample]
type Frame struct {
	Lines [][]bool
}

// Samples is the number of samples in the frame
func (f Frame) Samples() int {
	if len(f.Lines) == 0 {
		return 0
	}
	return len(f.Lines[0])
}

// Synthesize builds the waveform of a single frame.  active lists the laser
// wavelengths (nm) gated on during the exposure; wavelengths absent from the
// line map are an error.
func Synthesize(t Timing, lm LineMap, active []int) (Frame, error) {
	if err := t.Validate(); err != nil {
		return Frame{}, err
	}
	if err := lm.Validate(); err != nil {
		return Frame{}, err
	}
	exposure := t.ExposureSamples()
	edge := t.EdgeSamples()
	if exposure <= 0 || edge <= 0 {
		return Frame{}, fmt.Errorf("%w: exposure=%d edge=%d at rate %g Hz",
			ErrNoSamples, exposure, edge, t.SampleRate)
	}
	total := exposure + edge
	for _, nm := range active {
		if _, ok := lm.Lasers[nm]; !ok {
			return Frame{}, fmt.Errorf("%w: %d nm", ErrUnassignedWavelength, nm)
		}
	}

	f := newFrame(total)
	writeFrame(f, lm, active, 0, exposure, edge)
	return f, nil
}

// SynthesizeImage builds the waveform of a whole image as one buffer: a
// setup segment of PreEnableMS with only the enable line high, followed by
// FramesPerImage back-to-back frames.  The enable line is high from the
// first sample to the last.  This is the single-shot alternative to
// retriggered frame replay; it is also used to cross-check the per-frame
// path in tests.
func SynthesizeImage(t Timing, lm LineMap, active []int) (Frame, error) {
	if err := t.Validate(); err != nil {
		return Frame{}, err
	}
	if err := lm.Validate(); err != nil {
		return Frame{}, err
	}
	for _, nm := range active {
		if _, ok := lm.Lasers[nm]; !ok {
			return Frame{}, fmt.Errorf("%w: %d nm", ErrUnassignedWavelength, nm)
		}
	}
	var (
		setup    = t.PreEnableSamples()
		exposure = t.ExposureSamples()
		edge     = t.EdgeSamples()
		frame    = exposure + edge
		total    = setup + frame*t.FramesPerImage
	)
	if exposure <= 0 {
		return Frame{}, fmt.Errorf("%w: exposure=%d at rate %g Hz", ErrNoSamples, exposure, t.SampleRate)
	}
	f := newFrame(total)
	for s := 0; s < total; s++ {
		f.Lines[lm.SLMEnable][s] = true
	}
	for i := 0; i < t.FramesPerImage; i++ {
		writeFrame(f, lm, active, setup+i*frame, exposure, edge)
	}
	return f, nil
}

func newFrame(samples int) Frame {
	lines := make([][]bool, NumLines)
	for i := range lines {
		lines[i] = make([]bool, samples)
	}
	return Frame{Lines: lines}
}

// writeFrame writes one frame's signals into f starting at sample offset.
// The caller has validated the line map and wavelengths.
func writeFrame(f Frame, lm LineMap, active []int, offset, exposure, edge int) {
	for s := 0; s < exposure; s++ {
		f.Lines[lm.Camera][offset+s] = true
	}
	for _, nm := range active {
		line, ok := lm.Lasers[nm]
		if !ok {
			continue
		}
		for s := 0; s < exposure; s++ {
			f.Lines[line][offset+s] = true
		}
	}
	for s := 0; s < exposure+edge; s++ {
		f.Lines[lm.SLMEnable][offset+s] = true
	}
	for s := 0; s < edge; s++ {
		f.Lines[lm.SLMTrigger][offset+s] = true
	}
	for s := 0; s < edge; s++ {
		f.Lines[lm.SLMFinish][offset+exposure+s] = true
	}
}
