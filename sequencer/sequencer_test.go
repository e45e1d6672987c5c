package sequencer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplab/simsync/daq"
	"github.com/oplab/simsync/sequencer"
	"github.com/oplab/simsync/util"
	"github.com/oplab/simsync/waveform"
)

// a scaled-down bench: 1 ms frames so a 9-frame image plays in ~10 ms on
// the mock
func testConfig() sequencer.Config {
	c := sequencer.DefaultConfig()
	c.Timing.ExposureUS = 1000
	c.Timing.PreEnableMS = 0.1
	c.Timing.TailLowMS = 0.1
	c.Images = 2
	c.SpacingMS = 1
	c.ReadoutMS = 1
	c.SafetyFactor = 2
	return c
}

func TestAcquisitionEndToEnd(t *testing.T) {
	m := daq.NewMock()
	seq, err := sequencer.New(m, testConfig())
	require.NoError(t, err)
	defer seq.Close()

	sched, err := sequencer.NewScheduler(seq, sequencer.PlanFromConfig(seq.Config()))
	require.NoError(t, err)

	require.NoError(t, sched.Run(context.Background()))

	// 2 images x 9 frames: 9 replays and one completion per image, 18
	// trigger edges across the run
	require.Equal(t, 18, m.Edges())

	outs := m.Outputs()
	require.Len(t, outs, 1, "the output task must be reused across images")
	assert.Equal(t, 18, outs[0].Replays())

	ctrs := m.Counters()
	require.Len(t, ctrs, 2, "one counter per image")
	for i, c := range ctrs {
		assert.Equal(t, 9, c.Target(), "counter %d", i)
		assert.True(t, c.Released(), "counter %d must be released after its image", i)
	}

	assert.Equal(t, sequencer.Idle, seq.State())
}

// the counter target tracks frames per image, not exposure or rate
func TestCounterTargetEqualsFramesPerImage(t *testing.T) {
	for _, exposure := range []float64{500, 2000} {
		cfg := testConfig()
		cfg.Timing.ExposureUS = exposure
		cfg.Timing.FramesPerImage = 7

		m := daq.NewMock()
		seq, err := sequencer.New(m, cfg)
		require.NoError(t, err)
		require.NoError(t, seq.RunImage(context.Background()))
		require.Len(t, m.Counters(), 1)
		assert.Equal(t, 7, m.Counters()[0].Target())
		seq.Close()
	}
}

// the completion counter must be started before the output begins accepting
// triggers
func TestCounterArmedBeforeOutput(t *testing.T) {
	m := daq.NewMock()
	seq, err := sequencer.New(m, testConfig())
	require.NoError(t, err)
	defer seq.Close()

	require.NoError(t, seq.RunImage(context.Background()))

	ctrStart := m.OpIndex("counter.start")
	outStart := m.OpIndex("output.start.triggered")
	require.NotEqual(t, -1, ctrStart)
	require.NotEqual(t, -1, outStart)
	assert.Less(t, ctrStart, outStart, "counter must be armed before the output")

	// and the pre-enable segment plays before either
	preStart := m.OpIndex("output.start.immediate")
	require.NotEqual(t, -1, preStart)
	assert.Less(t, preStart, ctrStart)
}

// pre-enable raises only the modulator enable line; tail-low forces every
// line low
func TestImmediateSegments(t *testing.T) {
	m := daq.NewMock()
	cfg := testConfig()
	seq, err := sequencer.New(m, cfg)
	require.NoError(t, err)
	defer seq.Close()

	require.NoError(t, seq.RunImage(context.Background()))

	bufs := m.Outputs()[0].ImmediateBuffers()
	require.Len(t, bufs, 2, "one pre-enable and one tail-low segment")

	enableWord := util.SetBit(0, uint(cfg.Lines.SLMEnable), true)
	for s, w := range bufs[0] {
		require.Equal(t, enableWord, w, "pre-enable sample %d", s)
	}
	for s, w := range bufs[1] {
		require.Zero(t, w, "tail-low sample %d", s)
	}
}

func TestCompletionTimeout(t *testing.T) {
	for _, backend := range []struct {
		name        string
		noDoneEvent bool
	}{
		{"event", false},
		{"polling", true},
	} {
		t.Run(backend.name, func(t *testing.T) {
			m := daq.NewMock()
			m.Quiet = true // ready line disconnected
			m.NoDoneEvent = backend.noDoneEvent

			cfg := testConfig()
			cfg.SafetyFactor = 1.2
			seq, err := sequencer.New(m, cfg)
			require.NoError(t, err)
			defer seq.Close()

			err = seq.RunImage(context.Background())
			require.ErrorIs(t, err, sequencer.ErrCompletionTimeout)
			assert.Equal(t, sequencer.Failed, seq.State())
			require.Len(t, m.Counters(), 1)
			assert.True(t, m.Counters()[0].Released(), "failed image must still release its counter")
		})
	}
}

func TestPollingBackendCompletes(t *testing.T) {
	m := daq.NewMock()
	m.NoDoneEvent = true
	seq, err := sequencer.New(m, testConfig())
	require.NoError(t, err)
	defer seq.Close()

	require.NoError(t, seq.RunImage(context.Background()))
	assert.Equal(t, 9, m.Edges())
}

func TestHardwareFailureAbortsImage(t *testing.T) {
	m := daq.NewMock()
	m.CounterErr = daq.ErrResourceUnavailable

	seq, err := sequencer.New(m, testConfig())
	require.NoError(t, err)
	defer seq.Close()

	err = seq.RunImage(context.Background())
	require.ErrorIs(t, err, daq.ErrResourceUnavailable)
	assert.Equal(t, sequencer.Failed, seq.State())
}

func TestCancellationDuringCompletionWait(t *testing.T) {
	m := daq.NewMock()
	m.Quiet = true

	seq, err := sequencer.New(m, testConfig())
	require.NoError(t, err)
	defer seq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err = seq.RunImage(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, m.Counters(), 1)
	assert.True(t, m.Counters()[0].Released())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ActiveLasers = []int{999}
	_, err := sequencer.New(daq.NewMock(), cfg)
	require.ErrorIs(t, err, waveform.ErrUnassignedWavelength)

	cfg = testConfig()
	cfg.Lines.SLMFinish = cfg.Lines.Camera
	_, err = sequencer.New(daq.NewMock(), cfg)
	require.ErrorIs(t, err, waveform.ErrLineCollision)
}
