// Package ingest runs batches of raw reports through the pipeline with a
// bounded number of workers.
package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/bounced/internal/pipeline"
)

// Processor is the part of the pipeline the pool drives
type Processor interface {
	Ingest(ctx context.Context, raw string) (pipeline.Outcome, error)
	IngestMIME(ctx context.Context, raw []byte) ([]pipeline.Outcome, error)
}

// Item is one raw report to process
type Item struct {
	Index  int
	Source string // file name or mbox position, for reporting
	Raw    string
	MIME   bool
}

// Result represents the result of processing one item
type Result struct {
	JobID    string             `json:"job_id"`
	Index    int                `json:"index"`
	Source   string             `json:"source"`
	Outcomes []pipeline.Outcome `json:"outcomes,omitempty"`
	Error    string             `json:"error,omitempty"`
	Err      error              `json:"-"`
	Duration time.Duration      `json:"duration"`
}

// Stats tracks pool totals
type Stats struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Config configures the pool
type Config struct {
	Workers int
}

// DefaultConfig returns a conservative default
func DefaultConfig() Config {
	return Config{Workers: 4}
}

// Pool processes items concurrently. A failing item is reported in its
// Result and never stops the batch.
type Pool struct {
	workers   int
	processor Processor
	logger    *slog.Logger

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a pool
func NewPool(config Config, processor Processor, logger *slog.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers:   config.Workers,
		processor: processor,
		logger:    logger.With("component", "ingest-pool"),
	}
}

// Run processes items until the channel is closed or ctx is done, sending
// one Result per item. It returns ctx.Err() when cancelled; items already
// started finish first.
func (p *Pool) Run(ctx context.Context, items <-chan Item, results chan<- Result) error {
	batchID := uuid.NewString()
	logger := p.logger.With("batch_id", batchID)
	logger.Info("Starting ingest batch", "workers", p.workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

loop:
	for {
		select {
		case item, ok := <-items:
			if !ok {
				break loop
			}
			g.Go(func() error {
				res := p.process(gctx, item)
				select {
				case results <- res:
				case <-gctx.Done():
				}
				return nil
			})
		case <-ctx.Done():
			break loop
		}
	}

	_ = g.Wait()
	logger.Info("Ingest batch finished",
		"total", p.total.Load(),
		"succeeded", p.succeeded.Load(),
		"failed", p.failed.Load())
	return ctx.Err()
}

// Process runs a fixed batch and returns results in input order
func (p *Pool) Process(ctx context.Context, items []Item) ([]Result, error) {
	in := make(chan Item)
	out := make(chan Result, len(items))

	go func() {
		defer close(in)
		for _, it := range items {
			select {
			case in <- it:
			case <-ctx.Done():
				return
			}
		}
	}()

	err := p.Run(ctx, in, out)
	close(out)

	results := make([]Result, len(items))
	pos := make(map[int]int, len(items))
	for i, it := range items {
		pos[it.Index] = i
		results[i] = Result{Index: it.Index, Source: it.Source}
	}
	for r := range out {
		if i, ok := pos[r.Index]; ok {
			results[i] = r
		}
	}
	return results, err
}

func (p *Pool) process(ctx context.Context, item Item) Result {
	start := time.Now()
	res := Result{JobID: uuid.NewString(), Index: item.Index, Source: item.Source}
	p.total.Add(1)

	if item.MIME {
		res.Outcomes, res.Err = p.processor.IngestMIME(ctx, []byte(item.Raw))
	} else {
		var o pipeline.Outcome
		o, res.Err = p.processor.Ingest(ctx, item.Raw)
		// a parsed report carries an outcome even when processing failed
		if res.Err == nil || o.Kind != "" {
			res.Outcomes = []pipeline.Outcome{o}
		}
	}
	res.Duration = time.Since(start)

	if res.Err != nil {
		res.Error = res.Err.Error()
		p.failed.Add(1)
		p.logger.Warn("Ingest item failed",
			"job_id", res.JobID,
			"index", item.Index,
			"source", item.Source,
			"error", res.Err)
		return res
	}
	p.succeeded.Add(1)
	p.logger.Debug("Ingest item processed",
		"job_id", res.JobID,
		"index", item.Index,
		"duration", res.Duration)
	return res
}

// Stats returns a snapshot of the pool totals
func (p *Pool) Stats() Stats {
	return Stats{
		Total:     p.total.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
	}
}
