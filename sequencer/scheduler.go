package sequencer

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ImageRunner produces one image per call
type ImageRunner interface {
	RunImage(ctx context.Context) error
}

// Plan is the multi-image schedule: how many images and the target
// start-to-start spacing between them
type Plan struct {
	Images  int
	Spacing time.Duration
}

// PlanFromConfig lifts the scheduling fields out of a Config
func PlanFromConfig(c Config) Plan {
	return Plan{Images: c.Images, Spacing: c.Spacing()}
}

// Scheduler runs N images at a fixed start-to-start cadence.  The spacing
// compensates for variable per-image duration: each image's wait is measured
// from that image's own start.  When an image overruns the spacing, the next
// one starts immediately and the period silently extends for that iteration;
// lost time is never recovered across images.
type Scheduler struct {
	// Progress, when non-nil, is called with the 1-based image number just
	// before each image starts
	Progress func(image int)

	runner ImageRunner
	plan   Plan
}

// NewScheduler wires a runner to a plan
func NewScheduler(r ImageRunner, p Plan) (*Scheduler, error) {
	if p.Images <= 0 {
		return nil, fmt.Errorf("plan must contain at least one image, got %d", p.Images)
	}
	if p.Spacing <= 0 {
		return nil, fmt.Errorf("plan spacing must be positive, got %s", p.Spacing)
	}
	return &Scheduler{runner: r, plan: p}, nil
}

// Run produces every image in the plan.  The first per-image failure aborts
// the whole acquisition; which image failed is carried in the returned
// error.
func (s *Scheduler) Run(ctx context.Context) error {
	for i := 0; i < s.plan.Images; i++ {
		log.Printf("image %d/%d", i+1, s.plan.Images)
		if s.Progress != nil {
			s.Progress(i + 1)
		}
		start := time.Now()
		if err := s.runner.RunImage(ctx); err != nil {
			return fmt.Errorf("image %d: %w", i+1, err)
		}
		if i == s.plan.Images-1 {
			break
		}
		wait := remainingWait(s.plan.Spacing, time.Since(start))
		if wait == 0 {
			log.Printf("image %d overran the %s spacing, starting next immediately", i+1, s.plan.Spacing)
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	log.Printf("acquisition complete: %d images", s.plan.Images)
	return nil
}

// remainingWait is how long to idle so the next image starts one spacing
// after the previous one did.  Never negative: an overrun image gets no
// compensation, the next image simply starts at once.
func remainingWait(spacing, elapsed time.Duration) time.Duration {
	r := spacing - elapsed
	if r < 0 {
		return 0
	}
	return r
}
