package app

import (
	"fmt"

	"jobmill/internal/batch"
	"jobmill/internal/config"
	"jobmill/internal/eventlog"
	"jobmill/internal/storage"
	"jobmill/internal/trigger"
	logx "jobmill/pkg/logx"
)

// Config mapping between the on-disk schema and per-service configs lives
// here so services stay decoupled from the config package.

func mapLogging(c config.LoggingConfig) logx.Config {
	console := true
	if c.Console != nil {
		console = *c.Console
	}
	return logx.Config{
		Level:   c.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapScheduler(c config.SchedulerConfig) (batch.Config, error) {
	delay, err := config.ParseDurationField("scheduler.default_retry_delay", c.DefaultRetryDelay)
	if err != nil {
		return batch.Config{}, err
	}
	return batch.Config{
		MaxConcurrentJobs:        c.MaxConcurrentJobs,
		MaxConcurrentTasksPerJob: c.MaxConcurrentTasksPerJob,
		DefaultPriority:          c.DefaultPriority,
		DefaultMaxAttempts:       c.DefaultMaxAttempts,
		DefaultRetryDelay:        delay,
	}, nil
}

func mapStorage(c *config.StorageConfig) (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}

func mapEventLog(c config.EventLogConfig) eventlog.Config {
	return eventlog.Config{ProgressPerSec: c.ProgressPerSec}
}

func mapTriggers(c config.TriggersConfig) trigger.Config {
	enabled := len(c.Jobs) > 0
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return trigger.Config{
		Enabled:  enabled,
		Timezone: c.Timezone,
	}
}

// templatesFromConfig maps config trigger jobs to trigger templates,
// resolving duration strings. Validate() has already checked structure, so
// errors here are limited to durations that failed to parse.
func templatesFromConfig(c config.TriggersConfig) ([]trigger.Template, error) {
	out := make([]trigger.Template, 0, len(c.Jobs))
	for i, j := range c.Jobs {
		retry, err := config.ParseDurationField(fmt.Sprintf("triggers.jobs[%d].retry_delay", i), j.RetryDelay)
		if err != nil {
			return nil, err
		}
		tpl := trigger.Template{
			Name:     j.Name,
			Schedule: j.Schedule,
			Options: batch.JobOptions{
				Description: j.Description,
				Concurrency: j.Concurrency,
				MaxAttempts: j.MaxAttempts,
				RetryDelay:  retry,
			},
		}
		for k, t := range j.Tasks {
			taskRetry, err := config.ParseDurationField(fmt.Sprintf("triggers.jobs[%d].tasks[%d].retry_delay", i, k), t.RetryDelay)
			if err != nil {
				return nil, err
			}
			tpl.Tasks = append(tpl.Tasks, batch.TaskSpec{
				Type:        t.Type,
				Data:        t.Data,
				Priority:    copyIntPtr(t.Priority),
				Metadata:    t.Metadata,
				MaxAttempts: t.MaxAttempts,
				RetryDelay:  taskRetry,
			})
		}
		out = append(out, tpl)
	}
	return out, nil
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
