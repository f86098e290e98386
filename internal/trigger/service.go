package trigger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobmill/internal/batch"
	logx "jobmill/pkg/logx"
)

// Submitter creates jobs from fired triggers. *batch.Scheduler satisfies it.
type Submitter interface {
	CreateJob(name string, specs []batch.TaskSpec, opts batch.JobOptions) (string, error)
}

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Template is the job blueprint a trigger stamps out on every fire.
type Template struct {
	Name     string
	Schedule string
	Tasks    []batch.TaskSpec
	Options  batch.JobOptions
}

// Info describes one registered trigger for diagnostics.
type Info struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}

type defEntry struct {
	tpl     Template
	spec    string // normalized cron spec handed to robfig/cron
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	submit Submitter

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   []defEntry
}

func New(cfg Config, log logx.Logger, submit Submitter) *Service {
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		submit: submit,
	}
}

// Add registers (or replaces, by name) a trigger. Registering while stopped
// is supported: definitions are stored and scheduled on the next Start().
func (s *Service) Add(tpl Template) error {
	tpl.Name = strings.TrimSpace(tpl.Name)
	if tpl.Name == "" {
		return errors.New("trigger name required")
	}
	if len(tpl.Tasks) == 0 {
		return errors.New("trigger needs at least one task spec")
	}
	ps, err := ParseSchedule(tpl.Schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = fmt.Sprintf("@every %s", ps.Every.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name to prevent duplicates across hot-reloads.
	_ = s.removeLocked(tpl.Name)
	s.defs = append(s.defs, defEntry{tpl: tpl, spec: spec})
	if s.c != nil {
		if err := s.scheduleLocked(&s.defs[len(s.defs)-1]); err != nil {
			s.log.Error("trigger register failed", logx.String("name", tpl.Name), logx.String("spec", spec), logx.Err(err))
			return err
		}
	}
	s.log.Debug("trigger registered", logx.String("name", tpl.Name), logx.String("spec", spec))
	return nil
}

// Remove unschedules the named trigger. It returns true if something was
// removed, and works whether or not the service is running.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("trigger removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.tpl.Name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) scheduleLocked(d *defEntry) error {
	tpl := d.tpl
	eid, err := s.c.AddFunc(d.spec, func() { s.fire(tpl) })
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) fire(tpl Template) {
	id, err := s.submit.CreateJob(tpl.Name, tpl.Tasks, tpl.Options)
	if err != nil {
		s.log.Error("trigger fire failed", logx.String("trigger", tpl.Name), logx.Err(err))
		return
	}
	s.log.Debug("trigger fired", logx.String("trigger", tpl.Name), logx.String("job", id))
}

// Start begins evaluating schedules. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.scheduleLocked(&s.defs[i]); err != nil {
			s.log.Error("trigger register failed", logx.String("name", s.defs[i].tpl.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop halts schedule evaluation and waits for in-flight fire callbacks.
// Definitions are kept so the service can be started again.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.log.Info("trigger service stopped")
	}
}

// Apply updates config at runtime. A timezone change restarts the cron
// runner with the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	newTZ := strings.TrimSpace(cfg.Timezone)
	switch {
	case running && !cfg.Enabled:
		s.Stop()
	case running && oldTZ != newTZ:
		s.Stop()
		s.Start()
	case !running && cfg.Enabled:
		s.Start()
	}
}

// Triggers lists registered triggers with next/previous fire times.
func (s *Service) Triggers() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{Name: d.tpl.Name, Schedule: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out = append(out, it)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
