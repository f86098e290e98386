package batch

import "testing"

func TestAggregateProgress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		pcts []int
		want int
	}{
		{name: "empty job", pcts: nil, want: 0},
		{name: "single task", pcts: []int{42}, want: 42},
		{name: "half done", pcts: []int{100, 100, 0, 0}, want: 50},
		{name: "rounds down", pcts: []int{33, 33, 34}, want: 33},
		{name: "rounds up", pcts: []int{0, 1, 100}, want: 34},
		{name: "rounds half up", pcts: []int{0, 1}, want: 1},
		{name: "all done", pcts: []int{100, 100}, want: 100},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tasks := make([]*taskState, 0, len(tt.pcts))
			for _, p := range tt.pcts {
				tasks = append(tasks, &taskState{progress: p})
			}
			if got := aggregateProgress(tasks); got != tt.want {
				t.Fatalf("aggregateProgress(%v) = %d, want %d", tt.pcts, got, tt.want)
			}
		})
	}
}

func TestClampProgress(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct{ in, want int }{
		{-5, 0}, {0, 0}, {55, 55}, {100, 100}, {101, 100},
	} {
		if got := clampProgress(tt.in); got != tt.want {
			t.Fatalf("clampProgress(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusPaused:    false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	}
	for st, want := range terminal {
		if got := st.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", st, got, want)
		}
	}
}
