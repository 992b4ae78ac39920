package job

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Summary collects the reports of one multi-job run, in the order the jobs
// were requested regardless of completion order.
type Summary struct {
	Reports []Report
}

// FailedCount is the number of failed or timed-out runs; it doubles as the
// process exit code.
func (s *Summary) FailedCount() int {
	n := 0
	for _, r := range s.Reports {
		if r.Failed() {
			n++
		}
	}
	return n
}

// Set runs a group of jobs either one after another or concurrently.
type Set struct {
	Runner *Runner
	Jobs   []*Job
}

// Run executes every job. Sequential mode stops between jobs only for
// context cancellation, never for a single failure; parallel mode runs all
// jobs at once, each with its own lock and log session.
func (s *Set) Run(ctx context.Context, parallel bool) *Summary {
	sum := &Summary{Reports: make([]Report, len(s.Jobs))}

	if !parallel {
		for i, j := range s.Jobs {
			if ctx.Err() != nil {
				sum.Reports[i] = Report{Job: j.Name, Status: StatusSkipped, Detail: "run canceled", Err: ctx.Err()}
				continue
			}
			sum.Reports[i] = s.Runner.Run(ctx, j)
		}
		return sum
	}

	var g errgroup.Group
	for i, j := range s.Jobs {
		i, j := i, j
		g.Go(func() error {
			sum.Reports[i] = s.Runner.Run(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
	return sum
}
