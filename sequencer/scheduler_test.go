package sequencer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingWait(t *testing.T) {
	cases := []struct {
		spacing, elapsed, want time.Duration
	}{
		{2000 * time.Millisecond, 1500 * time.Millisecond, 500 * time.Millisecond},
		{2000 * time.Millisecond, 2000 * time.Millisecond, 0},
		// an image that overran its spacing: never negative, proceed at once
		{2000 * time.Millisecond, 2500 * time.Millisecond, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, remainingWait(tc.spacing, tc.elapsed),
			"spacing %s elapsed %s", tc.spacing, tc.elapsed)
	}
}

var errBoom = errors.New("boom")

type fakeRunner struct {
	calls  int
	failOn int
	delay  time.Duration
}

func (f *fakeRunner) RunImage(ctx context.Context) error {
	f.calls++
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failOn != 0 && f.calls == f.failOn {
		return errBoom
	}
	return nil
}

func TestSchedulerValidatesPlan(t *testing.T) {
	_, err := NewScheduler(&fakeRunner{}, Plan{Images: 0, Spacing: time.Second})
	require.Error(t, err)
	_, err = NewScheduler(&fakeRunner{}, Plan{Images: 1, Spacing: 0})
	require.Error(t, err)
}

func TestSchedulerFailFast(t *testing.T) {
	r := &fakeRunner{failOn: 2}
	s, err := NewScheduler(r, Plan{Images: 5, Spacing: time.Millisecond})
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "image 2")
	assert.Equal(t, 2, r.calls, "no images may be issued after a failure")
}

func TestSchedulerHoldsSpacing(t *testing.T) {
	r := &fakeRunner{}
	s, err := NewScheduler(r, Plan{Images: 3, Spacing: 30 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))
	elapsed := time.Since(start)
	// two inter-image waits of ~30 ms each; no wait after the last image
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Equal(t, 3, r.calls)
}

func TestSchedulerOverrunProceedsImmediately(t *testing.T) {
	r := &fakeRunner{delay: 60 * time.Millisecond}
	s, err := NewScheduler(r, Plan{Images: 3, Spacing: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))
	elapsed := time.Since(start)
	// each image overruns its 50 ms spacing; the scheduler must not add
	// any catch-up or full-period waits on top of the ~180 ms of work
	assert.Less(t, elapsed, 240*time.Millisecond)
}

func TestSchedulerCancelledDuringWait(t *testing.T) {
	r := &fakeRunner{}
	s, err := NewScheduler(r, Plan{Images: 2, Spacing: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err = s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, r.calls)
}

func TestSchedulerProgressHook(t *testing.T) {
	var seen []int
	r := &fakeRunner{}
	s, err := NewScheduler(r, Plan{Images: 3, Spacing: time.Millisecond})
	require.NoError(t, err)
	s.Progress = func(image int) { seen = append(seen, image) }

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, seen)
}
