// Package eventlog mirrors scheduler bus events into the structured log.
//
// task.progress events can arrive far faster than anything else (a chatty
// processor may report every percent), so they pass through a rate limiter;
// everything else is logged unconditionally.
package eventlog

import (
	"context"

	"golang.org/x/time/rate"

	"jobmill/internal/batch"
	"jobmill/internal/eventbus"
	logx "jobmill/pkg/logx"
)

type Config struct {
	// ProgressPerSec caps logged task.progress events. 0 applies the
	// default (5/s); negative silences progress events entirely.
	ProgressPerSec int

	// Buffer is the bus subscription buffer. 0 applies the default (64).
	Buffer int
}

// Bridge consumes bus events and logs them until ctx is done.
type Bridge struct {
	log     logx.Logger
	limiter *rate.Limiter
	silence bool

	ch    <-chan eventbus.Event
	unsub func()
}

// New subscribes to the bus immediately; events published between New and
// Run sit in the subscription buffer.
func New(cfg Config, lg logx.Logger, bus eventbus.Bus) *Bridge {
	pps := cfg.ProgressPerSec
	if pps == 0 {
		pps = 5
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	ch, unsub := bus.Subscribe(buffer)
	b := &Bridge{log: lg, ch: ch, unsub: unsub}
	if pps < 0 {
		b.silence = true
	} else {
		b.limiter = rate.NewLimiter(rate.Limit(pps), pps)
	}
	return b
}

// Run blocks until ctx is done. Call it on its own goroutine.
func (b *Bridge) Run(ctx context.Context) {
	defer b.unsub()
	ch := b.ch

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.logEvent(ev)
		}
	}
}

func (b *Bridge) logEvent(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case batch.JobEvent:
		b.log.Info(ev.Type,
			logx.String("job", data.JobID),
			logx.String("name", data.Name),
			logx.String("status", string(data.Status)),
			logx.Int("progress", data.Progress),
		)
	case batch.TaskEvent:
		if ev.Type == batch.EventTaskProgress {
			if b.silence || !b.limiter.Allow() {
				return
			}
		}
		fields := []logx.Field{
			logx.String("job", data.JobID),
			logx.String("task", data.TaskID),
			logx.String("type", data.Type),
		}
		if data.Attempt > 0 {
			fields = append(fields, logx.Int("attempt", data.Attempt))
		}
		if ev.Type == batch.EventTaskProgress {
			fields = append(fields, logx.Int("progress", data.Progress))
		}
		if data.Error != "" {
			fields = append(fields, logx.String("err", data.Error))
		}
		if ev.Type == batch.EventTaskFailed || ev.Type == batch.EventTaskRetrying {
			b.log.Warn(ev.Type, fields...)
			return
		}
		b.log.Debug(ev.Type, fields...)
	default:
		b.log.Debug(ev.Type)
	}
}
