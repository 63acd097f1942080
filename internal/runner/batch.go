package runner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is one entry of a batch.
type Task struct {
	Task     string `yaml:"task" json:"task"`
	URL      string `yaml:"url" json:"url"`
	MaxSteps int    `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`
}

// RunBatch runs tasks with at most parallelism concurrent workers, each on
// its own surface. Results keep the order of tasks. A task whose surface
// could not be opened reports the fault in its Result; only cancellation of
// ctx fails the batch.
func (r *Runner) RunBatch(ctx context.Context, tasks []Task, parallelism int) ([]Result, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]Result, len(tasks))

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := r.Run(ctx, t.Task, t.URL, t.MaxSteps)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res.Error = err.Error()
				r.log.Error().Err(err).Int("task", i).Msg("task aborted")
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
