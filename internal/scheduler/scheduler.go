// Package scheduler runs host collectors with bounded concurrency and
// hands every result to the result writer as soon as it is available.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/CZERTAINLY/Harvester/internal/log"
	"github.com/CZERTAINLY/Harvester/internal/model"
	"github.com/CZERTAINLY/Harvester/internal/parallel"
)

type Collector interface {
	Collect(ctx context.Context, task model.HostTask) model.CollectionResult
}

// Writer is the part of store.Writer the scheduler needs
type Writer interface {
	AppendResult(model.CollectionResult) error
	IncrementProgress() model.Progress
}

type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	// Skipped hosts were interrupted and not recorded
	Skipped int
}

func (s Summary) String() string {
	return fmt.Sprintf("total=%d succeeded=%d failed=%d skipped=%d", s.Total, s.Succeeded, s.Failed, s.Skipped)
}

type Scheduler struct {
	collector Collector
	writer    Writer
	log       *slog.Logger
	// OnResult is called after a result was appended, from the goroutine
	// which called Run
	OnResult func(context.Context, model.CollectionResult)
}

func New(collector Collector, writer Writer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		collector: collector,
		writer:    writer,
		log:       logger,
	}
}

// Run collects all hosts, at most limit at once. Per host failures are part
// of the results; an error is returned only when a result could not be
// written or ctx was canceled. Results of hosts interrupted by the
// cancellation are not written, so they get collected again on resume.
func (s *Scheduler) Run(ctx context.Context, hosts []model.HostTask, limit int) (Summary, error) {
	summary := Summary{Total: len(hosts)}
	collect := func(ctx context.Context, task model.HostTask) (model.CollectionResult, error) {
		return s.collector.Collect(ctx, task), nil
	}

	for res := range parallel.NewMap(ctx, limit, collect).Iter(slices.Values(hosts)) {
		hctx := log.WithHost(ctx, res.Hostname)
		if ctx.Err() != nil && !res.Success {
			summary.Skipped++
			s.log.InfoContext(hctx, "interrupted, result not recorded")
			continue
		}
		if err := s.writer.AppendResult(res); err != nil {
			return summary, err
		}
		if res.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		p := s.writer.IncrementProgress()
		s.log.InfoContext(hctx, "progress",
			slog.Int("completed", p.Completed),
			slog.Int("total", p.Total),
			slog.String("percent", fmt.Sprintf("%.1f", p.Percent())),
		)
		if s.OnResult != nil {
			s.OnResult(ctx, res)
		}
	}

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run interrupted: %w", err)
	}
	return summary, nil
}
