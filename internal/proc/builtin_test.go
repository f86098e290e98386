package proc

import (
	"context"
	"strings"
	"testing"
	"time"

	"jobmill/internal/batch"
	logx "jobmill/pkg/logx"
)

func noProgress(int) {}

func TestDecodeParams(t *testing.T) {
	t.Parallel()
	var p execParams
	data := map[string]any{
		"command": "/bin/true",
		"args":    []any{"-v"},
		"timeout": "5s",
	}
	if err := decodeParams(data, &p); err != nil {
		t.Fatalf("decodeParams: %v", err)
	}
	if p.Command != "/bin/true" || len(p.Args) != 1 || p.Args[0] != "-v" || p.Timeout != "5s" {
		t.Fatalf("decoded params = %+v", p)
	}

	if err := decodeParams(nil, &p); err != nil {
		t.Fatalf("nil data should be a no-op, got %v", err)
	}
	if err := decodeParams(map[string]any{"command": 42}, &p); err == nil {
		t.Fatal("expected error for wrong field type")
	}
}

func TestExecRejectsBadParams(t *testing.T) {
	t.Parallel()
	run := Exec(logx.Nop())

	_, err := run(context.Background(), batch.Task{Data: map[string]any{}}, noProgress)
	if err == nil || !strings.Contains(err.Error(), "command is required") {
		t.Fatalf("err = %v, want missing command", err)
	}

	_, err = run(context.Background(), batch.Task{Data: map[string]any{
		"command": "/bin/true",
		"timeout": "soon",
	}}, noProgress)
	if err == nil || !strings.Contains(err.Error(), "bad timeout") {
		t.Fatalf("err = %v, want bad timeout", err)
	}
}

func TestSleepReportsProgressAndCompletes(t *testing.T) {
	t.Parallel()
	run := Sleep()

	var last int
	res, err := run(context.Background(), batch.Task{Data: map[string]any{
		"duration": "50ms",
	}}, func(pct int) { last = pct })
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if last != 100 {
		t.Fatalf("final progress = %d, want 100", last)
	}
	m, ok := res.(map[string]any)
	if !ok || m["slept"] != "50ms" {
		t.Fatalf("result = %v, want slept 50ms", res)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	t.Parallel()
	run := Sleep()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_, err := run(ctx, batch.Task{Data: map[string]any{"duration": "10s"}}, noProgress)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("canceled sleep still waited")
	}
}

func TestSleepRejectsBadDuration(t *testing.T) {
	t.Parallel()
	run := Sleep()
	if _, err := run(context.Background(), batch.Task{Data: map[string]any{
		"duration": "whenever",
	}}, noProgress); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestTruncateOutput(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", maxOutput+100)
	got := truncateOutput(long)
	if len(got) <= maxOutput || !strings.HasSuffix(got, "(truncated)") {
		t.Fatalf("long output not truncated: len=%d", len(got))
	}
	if got := truncateOutput("  short  "); got != "short" {
		t.Fatalf("got %q, want trimmed output", got)
	}
}
