package config

import (
	"fmt"
	"strings"
)

// Config is jobmill's on-disk configuration. YAML and JSON are both
// accepted; unknown fields are rejected so typos fail loudly at load time.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Triggers  TriggersConfig  `json:"triggers,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	EventLog  EventLogConfig  `json:"event_log,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"` // nil defaults to true
	File    LogFileRef `json:"file,omitempty"`
}

type LogFileRef struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig holds admission limits and task defaults.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent_jobs: 3
//   - max_concurrent_tasks_per_job: 5
//   - default_priority: 0
//   - default_max_attempts: 3
//   - default_retry_delay: "1s"
type SchedulerConfig struct {
	MaxConcurrentJobs        int    `json:"max_concurrent_jobs,omitempty"`
	MaxConcurrentTasksPerJob int    `json:"max_concurrent_tasks_per_job,omitempty"`
	DefaultPriority          int    `json:"default_priority,omitempty"`
	DefaultMaxAttempts       int    `json:"default_max_attempts,omitempty"`
	DefaultRetryDelay        string `json:"default_retry_delay,omitempty"`
}

// TriggersConfig declares recurring job templates.
//
// Enabled is a pointer so "omitted" (default true when jobs are declared)
// can be told apart from an explicit false.
type TriggersConfig struct {
	Enabled  *bool              `json:"enabled,omitempty"`
	Timezone string             `json:"timezone,omitempty"`
	Jobs     []TriggerJobConfig `json:"jobs,omitempty"`
}

type TriggerJobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`

	Description string `json:"description,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`

	Tasks []TriggerTaskConfig `json:"tasks"`
}

type TriggerTaskConfig struct {
	Type        string            `json:"type"`
	Data        any               `json:"data,omitempty"`
	Priority    *int              `json:"priority,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	RetryDelay  string            `json:"retry_delay,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// StorageConfig controls the job history store.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If the section is omitted or Driver is empty/"none", history is disabled.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// EventLogConfig tunes the bus-to-log bridge.
type EventLogConfig struct {
	// ProgressPerSec caps how many task.progress events per second reach
	// the log. 0 applies the default (5/s); -1 silences progress events.
	ProgressPerSec int `json:"progress_per_sec,omitempty"`
}

// Validate checks cross-field consistency beyond what strict decoding
// already enforces.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("scheduler.default_retry_delay", c.Scheduler.DefaultRetryDelay); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, j := range c.Triggers.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("triggers.jobs[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("triggers.jobs[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("triggers.jobs[%d] (%s): schedule is required", i, name)
		}
		if len(j.Tasks) == 0 {
			return fmt.Errorf("triggers.jobs[%d] (%s): at least one task is required", i, name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("triggers.jobs[%d].retry_delay", i), j.RetryDelay); err != nil {
			return err
		}
		for k, t := range j.Tasks {
			if strings.TrimSpace(t.Type) == "" {
				return fmt.Errorf("triggers.jobs[%d].tasks[%d]: type is required", i, k)
			}
			if _, err := ParseDurationField(fmt.Sprintf("triggers.jobs[%d].tasks[%d].retry_delay", i, k), t.RetryDelay); err != nil {
				return err
			}
		}
	}
	if c.Storage != nil {
		switch strings.TrimSpace(c.Storage.Driver) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
