/*Package sequencer drives a multi-frame structured-illumination acquisition
against a hardware timing device.

One image is produced by the retrigger/edge-count protocol: a short
pre-enable segment gives the modulator its response time, an edge counter is
armed on the camera ready terminal, then a single-frame buffer is loaded
into the clocked output with a retriggerable start trigger on the same
terminal.  Every ready edge replays the frame once with no host in the loop;
the counter's implicit-clock finite acquisition goes done by itself on the
Nth edge.  A tail-low segment then forces every line low before the next
image.

The Sequencer owns the runtime resources: the output task is long lived and
reused across images, the counter is created and released once per image
because its finished state is terminal.
*/
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/oplab/simsync/daq"
	"github.com/oplab/simsync/util"
	"github.com/oplab/simsync/waveform"
)

var (
	// ErrCompletionTimeout is generated when the trigger count does not
	// reach its target within the completion timeout
	ErrCompletionTimeout = errors.New("completion not observed in time")

	// errNotDone makes the polling backend retry
	errNotDone = errors.New("counter not done yet")
)

// State is where the sequencer is in the one-image protocol
type State int

const (
	// Idle means no image is in flight
	Idle State = iota
	// PreEnable means the enable-only segment is playing
	PreEnable
	// Armed means the completion counter is being created and started
	Armed
	// Triggering means the retriggerable frame buffer is being armed
	Triggering
	// Completing means the sequencer is waiting for the Nth ready edge
	Completing
	// Flushing means the last replayed frame is finishing
	Flushing
	// TailLow means the all-zero segment is playing
	TailLow
	// Failed means the last image aborted; resources were released
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreEnable:
		return "pre-enable"
	case Armed:
		return "armed"
	case Triggering:
		return "triggering"
	case Completing:
		return "completing"
	case Flushing:
		return "flushing"
	case TailLow:
		return "tail-low"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sequencer drives one image at a time
type Sequencer struct {
	cfg   Config
	dev   daq.Device
	out   daq.ClockedOutput
	frame []uint16
	state State
}

// New resolves defaults, validates the configuration, synthesizes and packs
// the frame waveform, and creates the long-lived output task
func New(dev daq.Device, cfg Config) (*Sequencer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frm, err := waveform.Synthesize(cfg.Timing, cfg.Lines, cfg.ActiveLasers)
	if err != nil {
		return nil, err
	}
	packed, err := waveform.Pack(frm)
	if err != nil {
		return nil, err
	}
	out, err := dev.OutputTask(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("creating output task: %w", err)
	}
	log.Printf("sequencer ready: %d frames/image, %d samples/frame at %g Hz, lasers %s nm",
		cfg.Timing.FramesPerImage, len(packed), cfg.Timing.SampleRate,
		util.IntSliceToCSV(cfg.ActiveLasers))
	return &Sequencer{cfg: cfg, dev: dev, out: out, frame: packed, state: Idle}, nil
}

// Config returns the resolved configuration
func (s *Sequencer) Config() Config {
	return s.cfg
}

// State returns where the sequencer is in the one-image protocol
func (s *Sequencer) State() State {
	return s.state
}

// Close releases the long-lived output task
func (s *Sequencer) Close() error {
	return s.out.Close()
}

// expectedFrame is one frame's waveform duration plus the camera readout
// allowance
func (s *Sequencer) expectedFrame() time.Duration {
	return s.cfg.Timing.FrameDuration() + time.Duration(s.cfg.ReadoutMS*float64(time.Millisecond))
}

// completionTimeout bounds the wait for all of an image's ready edges
func (s *Sequencer) completionTimeout() time.Duration {
	per := float64(s.expectedFrame())
	return time.Duration(per * float64(s.cfg.Timing.FramesPerImage) * s.cfg.SafetyFactor)
}

// RunImage produces one image.  Any failure releases whatever was acquired
// and aborts the image; there is no retry.
func (s *Sequencer) RunImage(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.state = Failed
		}
	}()

	s.state = PreEnable
	pre := waveform.EnableOnly(s.cfg.Lines, s.cfg.Timing.PreEnableSamples())
	if err = s.playImmediate(ctx, pre); err != nil {
		return fmt.Errorf("pre-enable: %w", err)
	}

	// the counter must be live before the output can accept triggers;
	// arming late risks missing the first ready edge
	s.state = Armed
	frames := s.cfg.Timing.FramesPerImage
	ctr, err := s.dev.CounterTask(s.cfg.Counter, s.cfg.TriggerTerminal, frames)
	if err != nil {
		return fmt.Errorf("creating counter on %s: %w", s.cfg.Counter, err)
	}
	if err = ctr.Start(); err != nil {
		ctr.Close()
		return fmt.Errorf("starting counter: %w", err)
	}

	s.state = Triggering
	if err = s.armOutput(); err != nil {
		releaseCounter(ctr)
		return fmt.Errorf("arming output: %w", err)
	}

	s.state = Completing
	err = waitDone(ctx, ctr, s.completionTimeout(), s.cfg.PollInterval())
	if n, err2 := ctr.Count(); err2 == nil {
		log.Printf("trigger count %d/%d", n, frames)
	}
	// the finished counter's hardware state is terminal; release it now,
	// success or not, and never reuse it
	releaseCounter(ctr)
	if err != nil {
		s.out.Stop()
		return fmt.Errorf("waiting for %d triggers: %w", frames, err)
	}

	// let the last replayed frame finish emitting before stopping
	s.state = Flushing
	flush := time.Duration(float64(s.expectedFrame()) * 1.2)
	if err2 := s.out.WaitUntilDone(ctx, flush); err2 != nil {
		if ctx.Err() != nil {
			s.out.Stop()
			err = ctx.Err()
			return err
		}
		log.Printf("flush wait: %v (stopping output anyway)", err2)
	}
	if err = s.out.Stop(); err != nil {
		return fmt.Errorf("stopping output: %w", err)
	}

	s.state = TailLow
	tail := waveform.AllLow(s.cfg.Timing.TailLowSamples())
	if err = s.playImmediate(ctx, tail); err != nil {
		return fmt.Errorf("tail-low: %w", err)
	}

	s.state = Idle
	return nil
}

// armOutput loads the packed frame and starts the retriggered replay
func (s *Sequencer) armOutput() error {
	if err := s.out.ConfigureTiming(s.cfg.Timing.SampleRate, len(s.frame)); err != nil {
		return err
	}
	if err := s.out.ConfigureStartTrigger(s.cfg.TriggerTerminal, true); err != nil {
		return err
	}
	if err := s.out.Write(s.frame); err != nil {
		return err
	}
	return s.out.Start()
}

// playImmediate plays a buffer untriggered and waits for it to finish
func (s *Sequencer) playImmediate(ctx context.Context, words []uint16) error {
	if err := s.out.DisableStartTrigger(); err != nil {
		return err
	}
	if err := s.out.ConfigureTiming(s.cfg.Timing.SampleRate, len(words)); err != nil {
		return err
	}
	if err := s.out.Write(words); err != nil {
		return err
	}
	if err := s.out.Start(); err != nil {
		return err
	}
	d := time.Duration(float64(len(words)) / s.cfg.Timing.SampleRate * float64(time.Second))
	timeout := d + 500*time.Millisecond
	if timeout < time.Second {
		timeout = time.Second
	}
	if err := s.out.WaitUntilDone(ctx, timeout); err != nil {
		s.out.Stop()
		return err
	}
	return s.out.Stop()
}

// waitDone blocks until the counter reports completion.  Counters offering
// a completion notification are waited on event-driven; the rest are polled
// at a fixed granularity.  Both backends honor the same timeout and ctx.
func waitDone(ctx context.Context, ctr daq.EdgeCounter, timeout, poll time.Duration) error {
	if n, ok := ctr.(daq.DoneNotifier); ok {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case err := <-n.DoneChan():
			return err
		case <-t.C:
			return fmt.Errorf("%w after %s", ErrCompletionTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	op := func() error {
		done, err := ctr.Done()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errNotDone
		}
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     poll,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         poll,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock,
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if errors.Is(err, errNotDone) {
		return fmt.Errorf("%w after %s", ErrCompletionTimeout, timeout)
	}
	return err
}

func releaseCounter(c daq.EdgeCounter) {
	c.Stop()
	c.Close()
}
