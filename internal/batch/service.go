package batch

import (
	"strings"
	"time"

	"jobmill/internal/eventbus"
	logx "jobmill/pkg/logx"
)

// New creates a scheduler with the given config, logger and event bus.
// The returned scheduler accepts jobs immediately.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		jobs:        map[string]*jobState{},
		procs:       map[string]Processor{},
		runningJobs: map[string]struct{}{},
		watchers:    map[uint64]chan []Job{},
	}
}

// RegisterProcessor binds a task type to a processor. Registering the same
// type again replaces the previous processor; tasks already running keep the
// processor they started with.
func (s *Scheduler) RegisterProcessor(taskType string, proc Processor) {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" || proc == nil {
		return
	}
	s.mu.Lock()
	_, replaced := s.procs[taskType]
	s.procs[taskType] = proc
	s.mu.Unlock()
	s.log.Debug("processor registered", logx.String("type", taskType), logx.Bool("replaced", replaced))
}

// Stop gates auto-admission: newly created, queued or resumed jobs are no
// longer started automatically. Jobs already running continue to run and
// retry; explicit StartJob calls still work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	was := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if !was {
		s.log.Info("scheduler stopped accepting auto-admission")
	}
}

// Start lifts the Stop gate and immediately re-evaluates queued pending
// jobs for admission.
func (s *Scheduler) Start() {
	s.mu.Lock()
	was := s.stopped
	s.stopped = false
	s.admitPendingJobsLocked()
	s.publishWatchersLocked()
	s.mu.Unlock()
	if was {
		s.log.Info("scheduler resumed auto-admission")
	}
}

// Apply updates admission limits and defaults at runtime (config hot
// reload). Shrinking a limit never preempts running work; the new bound is
// honored on the next admission decision.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.admitPendingJobsLocked()
	s.publishWatchersLocked()
	s.mu.Unlock()
}

func (s *Scheduler) publishJob(typ string, j *jobState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: JobEvent{
		JobID:    j.id,
		Name:     j.name,
		Status:   j.status,
		Progress: j.progress,
	}})
}

func (s *Scheduler) publishTask(typ string, j *jobState, t *taskState, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	ev.JobID = j.id
	ev.TaskID = t.id
	ev.Type = t.typ
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
