/*Package daq defines the boundary to the hardware timing device: a
hardware-clocked buffered digital output with a retriggerable digital-edge
start trigger, and an edge-counting input with implicit-clock finite
completion.  The vendor driver supplies these capabilities; this package only
names them, the way a sequencer needs to consume them.

The two resources run concurrently while armed and share one external
trigger terminal as a fan-out signal.  The counter uses the edges themselves
as its sample clock ("implicit timing"): each qualifying edge is one sample,
and the hardware autonomously finishes after exactly N of them.  That final
state is terminal; a finished counter must be released and a new one created
for the next image.
*/
package daq

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is generated when a released resource is used
	ErrClosed = errors.New("daq: resource is closed")

	// ErrNotStarted is generated when an operation requires a started task
	ErrNotStarted = errors.New("daq: task is not started")

	// ErrResourceUnavailable is generated when the device cannot supply a
	// requested output or counter resource
	ErrResourceUnavailable = errors.New("daq: resource unavailable")
)

// ClockedOutput is a buffered digital output bound to one port, clocked at a
// configured sample rate.  One buffer load plays per start, or per external
// edge when a retriggerable start trigger is configured.
type ClockedOutput interface {
	// ConfigureTiming sets the sample clock rate in Hz and the per-run
	// sample count
	ConfigureTiming(rate float64, samples int) error

	// Write loads a sequence of port words into the output buffer, one word
	// per sample
	Write(words []uint16) error

	// ConfigureStartTrigger arms a rising-edge start trigger on the given
	// terminal.  With retriggerable true, every edge replays the loaded
	// buffer from its start without host intervention.
	ConfigureStartTrigger(terminal string, retriggerable bool) error

	// DisableStartTrigger returns the task to immediate (untriggered)
	// playback: the buffer plays as soon as the task starts
	DisableStartTrigger() error

	// Start commits the configuration and starts the task
	Start() error

	// Stop halts generation; the task may be reconfigured and restarted
	Stop() error

	// WaitUntilDone blocks until the current buffer has finished playing,
	// the timeout lapses, or ctx is cancelled
	WaitUntilDone(ctx context.Context, timeout time.Duration) error

	// Close releases the task; the handle is dead afterwards
	Close() error
}

// EdgeCounter counts rising edges on an external terminal.  It is created
// with a target count and implicit-clock finite completion: the hardware
// stops by itself at the target, with no host polling in the loop.
type EdgeCounter interface {
	// Start arms the counter.  It must be started before the output task
	// begins accepting triggers, or the first edge can be missed.
	Start() error

	// Stop halts counting
	Stop() error

	// Close releases the counter
	Close() error

	// Done reports whether the target count has been reached
	Done() (bool, error)

	// Count returns the number of edges observed so far
	Count() (uint32, error)
}

// DoneNotifier is an optional capability of an EdgeCounter: completion
// delivered as an asynchronous notification instead of a poll.  Discover it
// with a type assertion; a nil receive value means the counter finished
// cleanly.
type DoneNotifier interface {
	DoneChan() <-chan error
}

// Device creates the timing resources.  Implementations wrap a vendor
// driver; the Mock in this package is a pure software stand-in.
type Device interface {
	// OutputTask creates a clocked output bound to a port,
	// e.g. "Dev1/port0/line0:7"
	OutputTask(port string) (ClockedOutput, error)

	// CounterTask creates an edge counter on a counter resource
	// (e.g. "ctr0") with its input routed to the given terminal
	// (e.g. "/Dev1/PFI8"), finishing after edges rising edges.
	CounterTask(counter, terminal string, edges int) (EdgeCounter, error)

	// Close releases the device and everything it created
	Close() error
}
