package capture

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchResult pairs a job with its outcome.
type BatchResult struct {
	Job      Job
	Artifact *Artifact
	Err      error
}

// Batch runs jobs concurrently, at most limit at a time (limit <= 0 means
// unbounded), each in its own session. Results are in job order. Job
// failures are reported per result; the returned error is ctx's error when
// it ended during the batch.
func (r *Runner) Batch(ctx context.Context, jobs []Job, limit int) ([]BatchResult, error) {
	results := make([]BatchResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, job := range jobs {
		results[i].Job = job
		if gctx.Err() != nil {
			results[i].Err = gctx.Err()
			continue
		}
		g.Go(func() error {
			artifact, err := r.Run(gctx, job)
			results[i].Artifact = artifact
			results[i].Err = err
			if err != nil {
				r.logger.Warn("Batch job failed", zap.String("target", job.Target()), zap.Error(err))
			}
			return nil // job errors stay in their result
		})
	}

	_ = g.Wait()
	return results, ctx.Err()
}
