// Package proc ships the built-in task processors registered by the daemon.
//
// Library users register their own processors on the scheduler; these exist
// so config-declared trigger jobs have useful work to point at out of the
// box.
package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"jobmill/internal/batch"
	logx "jobmill/pkg/logx"
)

// RegisterBuiltins installs the built-in processor set:
//
//	exec  - run a command; data: {command, args, dir, timeout}
//	sleep - sleep for a duration; data: {duration}
func RegisterBuiltins(s *batch.Scheduler, log logx.Logger) {
	s.RegisterProcessor("exec", Exec(log))
	s.RegisterProcessor("sleep", Sleep())
}

func decodeParams(data any, out any) error {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode task data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode task data: %w", err)
	}
	return nil
}

type execParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Timeout string   `json:"timeout"`
}

type execResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	TookMS   int64  `json:"took_ms"`
}

// Exec returns a processor that runs one command and captures its combined
// output. A non-zero exit is a task failure, so retry policy applies.
func Exec(log logx.Logger) batch.Processor {
	return func(ctx context.Context, t batch.Task, report batch.ProgressFunc) (any, error) {
		var p execParams
		if err := decodeParams(t.Data, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Command) == "" {
			return nil, fmt.Errorf("exec: command is required")
		}
		if p.Timeout != "" {
			d, err := time.ParseDuration(p.Timeout)
			if err != nil {
				return nil, fmt.Errorf("exec: bad timeout %q: %w", p.Timeout, err)
			}
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		start := time.Now()
		cmd := exec.CommandContext(ctx, p.Command, p.Args...)
		cmd.Dir = p.Dir
		out, err := cmd.CombinedOutput()
		took := time.Since(start)

		res := execResult{
			Output: truncateOutput(string(out)),
			TookMS: took.Milliseconds(),
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return res, fmt.Errorf("exec %s: %w", p.Command, cerr)
			}
			log.Debug("exec task failed",
				logx.String("command", p.Command),
				logx.Int("exit_code", res.ExitCode),
				logx.Err(err))
			return res, fmt.Errorf("exec %s: %w", p.Command, err)
		}
		report(100)
		return res, nil
	}
}

const maxOutput = 8 << 10

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return s[:maxOutput] + "… (truncated)"
	}
	return s
}

type sleepParams struct {
	Duration string `json:"duration"`
}

// Sleep returns a processor that waits for the configured duration,
// reporting progress along the way. Mostly useful for smoke tests and
// trigger dry runs.
func Sleep() batch.Processor {
	return func(ctx context.Context, t batch.Task, report batch.ProgressFunc) (any, error) {
		var p sleepParams
		if err := decodeParams(t.Data, &p); err != nil {
			return nil, err
		}
		d := time.Second
		if p.Duration != "" {
			var err error
			if d, err = time.ParseDuration(p.Duration); err != nil {
				return nil, fmt.Errorf("sleep: bad duration %q: %w", p.Duration, err)
			}
		}

		const steps = 10
		tick := d / steps
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tick):
				report(i * 100 / steps)
			}
		}
		return map[string]any{"slept": d.String()}, nil
	}
}
