package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"genbot/pkg/logx"
)

func TestNormalizeSpec(t *testing.T) {
	cases := map[string]string{
		"*/5 * * * *":    "*/5 * * * *",
		"@every 1m":      "@every 1m",
		"55m":            "@every 55m0s",
		"02:30":          "@every 2h30m0s",
		"cron:0 3 * * *": "0 3 * * *",
	}
	for in, want := range cases {
		got, err := normalizeSpec(in)
		if err != nil || got != want {
			t.Fatalf("normalizeSpec(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "soon", "00:00", "-5m", "01:75"} {
		if _, err := normalizeSpec(bad); err == nil {
			t.Fatalf("normalizeSpec(%q) should fail", bad)
		}
	}
}

func TestAddRejectsInvalidCron(t *testing.T) {
	s := New("", logx.Nop())
	if err := s.Add("x", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := s.Add("", "1m", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected name error")
	}
}

func TestRunSkipsOverlapAndRecordsErrors(t *testing.T) {
	s := New("", logx.Nop())
	release := make(chan struct{})
	var calls atomic.Int32
	if err := s.Add("slow", "1h", time.Second, func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e := s.entries["slow"]

	done := make(chan struct{})
	go func() { s.run(e); close(done) }()
	for !e.running.Load() {
		time.Sleep(time.Millisecond)
	}
	s.run(e) // overlapping tick
	close(release)
	<-done

	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Runs != 1 || snap[0].Skipped != 1 || snap[0].LastErr != "boom" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStartTriggersJobs(t *testing.T) {
	s := New("UTC", logx.Nop())
	fired := make(chan struct{}, 1)
	_ = s.Add("tick", "@every 1s", time.Second, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not fire")
	}
	if next := s.Snapshot()[0].Next; next.IsZero() {
		t.Fatalf("next run unknown")
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatalf("Remove semantics")
	}
}
