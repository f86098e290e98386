package batch

import (
	"context"
	"sync"
	"time"

	"jobmill/internal/eventbus"
	logx "jobmill/pkg/logx"
)

// Status is the lifecycle state of a job or task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether no further transitions can occur from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Config controls scheduler-wide defaults and admission limits.
type Config struct {
	// MaxConcurrentJobs caps how many jobs may be running at once.
	MaxConcurrentJobs int

	// MaxConcurrentTasksPerJob is the default per-job task concurrency,
	// used when a job does not set its own.
	MaxConcurrentTasksPerJob int

	DefaultPriority    int
	DefaultMaxAttempts int
	DefaultRetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 3
	}
	if c.MaxConcurrentTasksPerJob <= 0 {
		c.MaxConcurrentTasksPerJob = 5
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = time.Second
	}
	return c
}

// ProgressFunc reports task progress in percent. Values are clamped to
// [0,100] by the scheduler.
type ProgressFunc func(pct int)

// Processor performs the actual work for one task type.
//
// ctx is canceled when the owning job is canceled or deleted; honoring it is
// optional (cancellation is cooperative). The same task id and payload are
// replayed on retry, so processors must be safe to re-run.
type Processor func(ctx context.Context, t Task, report ProgressFunc) (any, error)

// TaskSpec describes one task at job creation time.
//
// Priority is a pointer so an omitted priority can fall back to the job or
// scheduler default while zero stays a valid explicit value.
type TaskSpec struct {
	Type     string
	Data     any
	Priority *int
	Metadata map[string]string

	// Zero means: inherit from JobOptions, then Config.
	MaxAttempts int
	RetryDelay  time.Duration
}

// JobOptions carries per-job overrides for CreateJob.
type JobOptions struct {
	Description string

	// Concurrency caps tasks of this job running at once. Zero inherits
	// Config.MaxConcurrentTasksPerJob.
	Concurrency int

	// Defaults for tasks that do not set their own.
	Priority    *int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Task is a read-only snapshot of one unit of work.
type Task struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Data     any               `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Priority int    `json:"priority"`

	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Job is a read-only snapshot of a job and its tasks.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	Concurrency int    `json:"concurrency"`

	Tasks []Task `json:"tasks"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Summary is the compact per-job view returned by JobSummary.
type Summary struct {
	JobID    string         `json:"job_id"`
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Progress int            `json:"progress"`
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Snapshot is a lightweight scheduler-wide view for diagnostics.
type Snapshot struct {
	Stopped bool `json:"stopped"`

	Jobs        int `json:"jobs"`
	RunningJobs int `json:"running_jobs"`
	PendingJobs int `json:"pending_jobs"`

	RunningTasks int `json:"running_tasks"`
	Processors   int `json:"processors"`

	MaxConcurrentJobs        int `json:"max_concurrent_jobs"`
	MaxConcurrentTasksPerJob int `json:"max_concurrent_tasks_per_job"`
}

// taskState is the mutable task record. Owned by the scheduler; every field
// is guarded by Scheduler.mu.
type taskState struct {
	id       string
	typ      string
	data     any
	metadata map[string]string

	status   Status
	progress int
	priority int

	attempts    int
	maxAttempts int
	retryDelay  time.Duration

	result any
	err    string

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	// Pending retry, if any. retryVer invalidates stale timer callbacks
	// after cancel or re-schedule.
	retryTimer *time.Timer
	retryVer   uint64
}

// jobState is the mutable job record. Guarded by Scheduler.mu.
type jobState struct {
	id          string
	name        string
	description string

	status      Status
	progress    int
	concurrency int

	tasks   []*taskState
	running map[string]struct{} // task ids counted against concurrency

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	// ctx is handed to processors and canceled on cancel/delete/terminal.
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler owns all job and task state.
//
// It is created with New and passed around explicitly; there is no package
// global, so tests can run several independent schedulers side by side.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	jobs        map[string]*jobState
	procs       map[string]Processor
	runningJobs map[string]struct{}

	// stopped gates auto-admission: while true, newly created or queued
	// jobs are not started automatically. Running jobs continue.
	stopped bool

	watchMu  sync.Mutex
	watchers map[uint64]chan []Job
	watchSeq uint64
}
