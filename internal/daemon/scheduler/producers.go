package scheduler

import (
	"context"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/internal/daemon/extract"
	"github.com/grovetools/brain/internal/daemon/queue"
	"github.com/grovetools/brain/pkg/models"
)

// reanalysisBatchLimit caps the outdated boundaries one scheduled pass
// re-enqueues, so a prompt bump does not flood the queue at once.
const reanalysisBatchLimit = 50

// RegisterProducers wires the standard maintenance producers into the
// scheduler. The reanalysis producer goes through the extractor, which
// checks prompt versions per boundary; the rest enqueue a singleton
// maintenance job that the queue dedups while one is still in flight.
func RegisterProducers(s *Scheduler, cfg *config.Config, q *queue.Queue, ext *extract.Extractor) error {
	if err := s.Add("reanalysis", cfg.ScheduleReanalysis, reanalysisProducer(ext)); err != nil {
		return err
	}

	maintenance := []struct {
		name string
		spec string
		kind models.JobKind
	}{
		{"connection_discovery", cfg.ScheduleConnectionDiscovery, models.JobConnectionDiscovery},
		{"pattern_aggregation", cfg.SchedulePatternAggregation, models.JobPatternAggregation},
		{"clustering", cfg.ScheduleClustering, models.JobClustering},
		{"embedding_backfill", cfg.ScheduleEmbeddingBackfill, models.JobEmbeddingBackfill},
	}
	for _, m := range maintenance {
		if err := s.Add(m.name, m.spec, maintenanceProducer(q, m.kind)); err != nil {
			return err
		}
	}
	return nil
}

func reanalysisProducer(ext *extract.Extractor) Producer {
	return func(ctx context.Context) (int, error) {
		return ext.ReanalyzeOutdated(ctx, reanalysisBatchLimit)
	}
}

// maintenanceProducer enqueues one job of the given kind. The queue's
// live-job dedup keeps at most one pending or leased instance per kind.
func maintenanceProducer(q *queue.Queue, kind models.JobKind) Producer {
	return func(ctx context.Context) (int, error) {
		_, created, err := q.Enqueue(ctx, kind, "", "", "")
		if err != nil {
			return 0, err
		}
		if created {
			return 1, nil
		}
		return 0, nil
	}
}
