package config

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/grovetools/brain/errors"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate checks all configured values. Cron strings are rejected here, at
// load time, never at fire time.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "data_root must not be empty")
	}
	if c.ParallelWorkers < 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "parallel_workers must be at least 1")
	}
	if c.MaxQueueSize < 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "max_queue_size must be at least 1")
	}
	if c.IdleTimeoutMinutes < 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "idle_timeout_minutes must be at least 1")
	}
	if c.AnalysisTimeoutMinutes < 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "analysis_timeout_minutes must be at least 1")
	}
	if c.ConnectionDiscoveryThreshold < 0 || c.ConnectionDiscoveryThreshold > 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "connection_discovery_threshold must be in [0,1]")
	}
	if c.SemanticSearchThreshold < 0 || c.SemanticSearchThreshold > 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "semantic_search_threshold must be in [0,1]")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return errors.New(errors.ErrCodeConfigInvalid, fmt.Sprintf("api port %d out of range", c.API.Port))
	}

	schedules := map[string]string{
		"schedule_reanalysis":           c.ScheduleReanalysis,
		"schedule_connection_discovery": c.ScheduleConnectionDiscovery,
		"schedule_pattern_aggregation":  c.SchedulePatternAggregation,
		"schedule_clustering":           c.ScheduleClustering,
		"schedule_embedding_backfill":   c.ScheduleEmbeddingBackfill,
	}
	for key, expr := range schedules {
		if expr == "" {
			continue
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid,
				fmt.Sprintf("invalid cron expression for %s: %q", key, expr))
		}
	}

	return nil
}
