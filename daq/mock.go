package daq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Mock is a pure software stand-in for the hardware timing device, used by
// tests and dry runs.  It models the protocol, not the electrical timing:
// once a retriggerable output is started, the mock plays the part of the
// camera and emits ready edges at EdgeInterval.  Each edge replays the
// armed output once and advances every started counter; a counter that
// reaches its target goes done and fires its completion notification, and
// edge generation stops when no live counter remains.
//
// Untriggered (immediate) playback completes instantly; the buffers played
// that way are recorded so tests can inspect the pre-enable and tail-low
// segments.
type Mock struct {
	// EdgeInterval is the cadence of simulated camera-ready edges
	EdgeInterval time.Duration

	// Quiet suppresses edge generation entirely, as if the ready line were
	// disconnected.  Used to exercise completion timeouts.
	Quiet bool

	// NoDoneEvent strips the completion-notification capability from
	// created counters, forcing consumers onto their polling path
	NoDoneEvent bool

	// OutputErr, when non-nil, is returned by OutputTask
	OutputErr error

	// CounterErr, when non-nil, is returned by CounterTask
	CounterErr error

	mu       sync.Mutex
	ops      []string
	edges    int
	outputs  []*MockOutput
	counters []*MockCounter
	closed   bool
}

// NewMock returns a Mock with a 1 ms ready-edge cadence
func NewMock() *Mock {
	return &Mock{EdgeInterval: time.Millisecond}
}

// OutputTask creates a mock clocked output bound to port
func (m *Mock) OutputTask(port string) (ClockedOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.OutputErr != nil {
		return nil, m.OutputErr
	}
	o := &MockOutput{m: m, port: port}
	m.outputs = append(m.outputs, o)
	m.ops = append(m.ops, "output.create")
	return o, nil
}

// CounterTask creates a mock edge counter finishing after edges edges
func (m *Mock) CounterTask(counter, terminal string, edges int) (EdgeCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.CounterErr != nil {
		return nil, m.CounterErr
	}
	if edges <= 0 {
		return nil, fmt.Errorf("%w: edge target must be positive, got %d", ErrResourceUnavailable, edges)
	}
	c := &MockCounter{m: m, name: counter, terminal: terminal, target: edges, ch: make(chan error, 1)}
	m.counters = append(m.counters, c)
	m.ops = append(m.ops, "counter.create")
	if m.NoDoneEvent {
		return pollOnly{c}, nil
	}
	return c, nil
}

// Close releases the device
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, o := range m.outputs {
		if o.cancel != nil {
			o.cancel()
		}
		o.closed = true
	}
	for _, c := range m.counters {
		c.closed = true
	}
	return nil
}

// Edges returns the total number of ready edges emitted across the run
func (m *Mock) Edges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edges
}

// Outputs returns every output task created so far
func (m *Mock) Outputs() []*MockOutput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockOutput(nil), m.outputs...)
}

// Counters returns every counter task created so far
func (m *Mock) Counters() []*MockCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockCounter(nil), m.counters...)
}

// OpIndex returns the position of the first occurrence of op in the
// lifecycle log, or -1.  Ops of interest: "counter.start",
// "output.start.triggered", "output.start.immediate".
func (m *Mock) OpIndex(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.ops {
		if o == op {
			return i
		}
	}
	return -1
}

// pump emits ready edges while the output stays armed; it returns when
// every live counter has finished or the output is stopped
func (m *Mock) pump(ctx context.Context, out *MockOutput) {
	if m.Quiet {
		return
	}
	lim := rate.NewLimiter(rate.Every(m.EdgeInterval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		if m.edge(out) {
			return
		}
	}
}

// edge delivers one ready edge; it reports whether the pump should stop
func (m *Mock) edge(out *MockOutput) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !out.started || !out.retrig || out.closed {
		return true
	}
	m.edges++
	out.replays++
	live := 0
	for _, c := range m.counters {
		if !c.started || c.done || c.closed || c.stopped {
			continue
		}
		c.count++
		if c.count >= c.target {
			c.done = true
			c.notifyDone(nil)
		} else {
			live++
		}
	}
	return live == 0
}

// MockOutput is the ClockedOutput created by Mock
type MockOutput struct {
	m *Mock

	// StartErr, when non-nil, is returned by the next Start
	StartErr error

	port        string
	rate        float64
	samples     int
	words       []uint16
	terminal    string
	retrig      bool
	trigEnabled bool
	started     bool
	closed      bool
	replays     int
	starts      int
	immediate   [][]uint16
	cancel      context.CancelFunc
}

func (o *MockOutput) ConfigureTiming(rate float64, samples int) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.rate = rate
	o.samples = samples
	return nil
}

func (o *MockOutput) Write(words []uint16) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.words = append([]uint16(nil), words...)
	return nil
}

func (o *MockOutput) ConfigureStartTrigger(terminal string, retriggerable bool) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.terminal = terminal
	o.retrig = retriggerable
	o.trigEnabled = true
	return nil
}

func (o *MockOutput) DisableStartTrigger() error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.trigEnabled = false
	o.retrig = false
	return nil
}

func (o *MockOutput) Start() error {
	o.m.mu.Lock()
	if o.closed {
		o.m.mu.Unlock()
		return ErrClosed
	}
	if o.StartErr != nil {
		err := o.StartErr
		o.m.mu.Unlock()
		return err
	}
	o.started = true
	o.starts++
	if o.trigEnabled && o.retrig {
		o.m.ops = append(o.m.ops, "output.start.triggered")
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		go o.m.pump(ctx, o)
	} else {
		o.m.ops = append(o.m.ops, "output.start.immediate")
		o.immediate = append(o.immediate, append([]uint16(nil), o.words...))
	}
	o.m.mu.Unlock()
	return nil
}

func (o *MockOutput) Stop() error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.started = false
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	return nil
}

// WaitUntilDone completes immediately; the mock does not model electrical
// playback time, only the protocol around it
func (o *MockOutput) WaitUntilDone(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if !o.started {
		return ErrNotStarted
	}
	return nil
}

func (o *MockOutput) Close() error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.closed = true
	return nil
}

// Replays returns how many times the loaded buffer was replayed by edges
func (o *MockOutput) Replays() int {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	return o.replays
}

// ImmediateBuffers returns a copy of every buffer played untriggered, in
// order
func (o *MockOutput) ImmediateBuffers() [][]uint16 {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	out := make([][]uint16, len(o.immediate))
	for i, b := range o.immediate {
		out[i] = append([]uint16(nil), b...)
	}
	return out
}

// MockCounter is the EdgeCounter created by Mock
type MockCounter struct {
	m *Mock

	// StartErr, when non-nil, is returned by the next Start
	StartErr error

	name     string
	terminal string
	target   int
	count    int
	started  bool
	stopped  bool
	done     bool
	closed   bool
	ch       chan error
}

func (c *MockCounter) Start() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.StartErr != nil {
		return c.StartErr
	}
	c.started = true
	c.stopped = false
	c.m.ops = append(c.m.ops, "counter.start")
	return nil
}

func (c *MockCounter) Stop() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.stopped = true
	return nil
}

func (c *MockCounter) Close() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.closed = true
	return nil
}

func (c *MockCounter) Done() (bool, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	return c.done, nil
}

func (c *MockCounter) Count() (uint32, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	return uint32(c.count), nil
}

// DoneChan delivers nil exactly once when the target count is reached
func (c *MockCounter) DoneChan() <-chan error {
	return c.ch
}

// Target returns the configured edge target
func (c *MockCounter) Target() int {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.target
}

// Released reports whether the counter has been closed
func (c *MockCounter) Released() bool {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.closed
}

func (c *MockCounter) notifyDone(err error) {
	select {
	case c.ch <- err:
	default:
	}
}

// pollOnly hides the DoneNotifier capability of a MockCounter
type pollOnly struct {
	c *MockCounter
}

func (p pollOnly) Start() error           { return p.c.Start() }
func (p pollOnly) Stop() error            { return p.c.Stop() }
func (p pollOnly) Close() error           { return p.c.Close() }
func (p pollOnly) Done() (bool, error)    { return p.c.Done() }
func (p pollOnly) Count() (uint32, error) { return p.c.Count() }
