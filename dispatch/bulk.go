package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tailored-agentic-units/relay/observability"
)

type indexedOperation struct {
	index     int
	operation Operation
}

type indexedResult struct {
	index  int
	result Result
}

// ExecuteBulk runs ops in consecutive batches of BatchSize. Operations within
// a batch run concurrently and a failed operation never blocks its siblings.
// Batch N+1 starts only after batch N finished and DelayBetweenBatches
// elapsed; there is no delay after the final batch. The result slice always
// matches ops in length and order.
func (s *Service) ExecuteBulk(ctx context.Context, ops []Operation, opts BulkOptions) []Result {
	cfg := s.cfg.Bulk
	cfg.Merge(&opts)

	results := make([]Result, len(ops))
	if len(ops) == 0 {
		return results
	}

	totalBatches := (len(ops) + cfg.BatchSize - 1) / cfg.BatchSize
	successCount, failureCount := 0, 0

	for batch := range totalBatches {
		start := batch * cfg.BatchSize
		end := min(start+cfg.BatchSize, len(ops))

		if err := ctx.Err(); err != nil {
			for i := start; i < len(ops); i++ {
				results[i] = Result{Method: laneMethod(s.taxonomy.SelectLane(ops[i].Name, ops[i].Options)), Error: err.Error()}
			}
			failureCount += len(ops) - start
			break
		}

		for i, r := range s.runBatch(ctx, ops[start:end], cfg.Priority) {
			results[start+i] = r
			if r.Success {
				successCount++
			} else {
				failureCount++
			}
		}

		if cfg.NotifyProgress() {
			s.notifyProgress(ctx, cfg.Scope, batch+1, totalBatches, successCount, failureCount, len(ops))
		}

		if batch < totalBatches-1 && cfg.DelayBetweenBatches > 0 {
			// a cancelled wait surfaces as failed results on the next pass
			_ = s.sleep(ctx, cfg.DelayBetweenBatches)
		}
	}

	s.logger.InfoContext(
		ctx,
		"bulk execution finished",
		slog.Int("total", len(ops)),
		slog.Int("batches", totalBatches),
		slog.Int("succeeded", successCount),
		slog.Int("failed", failureCount),
	)

	return results
}

// runBatch executes every operation of one batch concurrently and returns
// the results in input order.
func (s *Service) runBatch(ctx context.Context, ops []Operation, priority BulkPriority) []Result {
	workQueue := make(chan indexedOperation, len(ops))
	resultChannel := make(chan indexedResult, len(ops))

	var wg sync.WaitGroup
	for range len(ops) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workQueue {
				op := work.operation
				if priority == BulkPriorityHigh {
					op.Options.RequireReliability = true
				}
				resultChannel <- indexedResult{
					index:  work.index,
					result: s.Execute(ctx, op.Name, op.Payload, op.Options),
				}
			}
		}()
	}

	for i, op := range ops {
		workQueue <- indexedOperation{index: i, operation: op}
	}
	close(workQueue)

	wg.Wait()
	close(resultChannel)

	results := make([]Result, len(ops))
	for r := range resultChannel {
		results[r.index] = r.result
	}
	return results
}

func (s *Service) notifyProgress(ctx context.Context, scope string, completed, total, succeeded, failed, operations int) {
	s.observer.OnEvent(ctx, observability.Event{
		Type:      EventBulkProgress,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "dispatch.Service",
		Scope:     scope,
		Data: map[string]any{
			"completedBatches": completed,
			"totalBatches":     total,
			"successCount":     succeeded,
			"failureCount":     failed,
			"total":            operations,
		},
	})
}
