package broadcast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"genbot/internal/storage"
	"genbot/internal/transport"
	"genbot/pkg/logx"
)

const initiator int64 = 900000

type fakeSink struct {
	mu       sync.Mutex
	fail     map[int64][]error // consumed per call
	sent     []int64
	notices  []string
	attempts map[int64]int
	// afterSend runs after each successful recipient delivery.
	afterSend func()
}

func newFakeSink() *fakeSink {
	return &fakeSink{fail: map[int64][]error{}, attempts: map[int64]int{}}
}

func (s *fakeSink) Deliver(ctx context.Context, to transport.ChatTarget, p transport.Payload) (transport.DeliveryHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to.ChatID == initiator {
		s.notices = append(s.notices, p.Text)
		return transport.DeliveryHandle{}, nil
	}
	s.attempts[to.ChatID]++
	if errs := s.fail[to.ChatID]; len(errs) > 0 {
		s.fail[to.ChatID] = errs[1:]
		return transport.DeliveryHandle{}, errs[0]
	}
	s.sent = append(s.sent, to.ChatID)
	if s.afterSend != nil {
		s.afterSend()
	}
	return transport.DeliveryHandle{Ref: transport.MessageRef{ChatID: to.ChatID, MessageID: len(s.sent)}}, nil
}

func (s *fakeSink) sentTo() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.sent...)
}

func openStore(t *testing.T, accounts int) storage.Store {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "genbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for id := int64(1); id <= int64(accounts); id++ {
		if _, _, err := st.EnsureAccount(ctx, id, ""); err != nil {
			t.Fatalf("EnsureAccount(%d): %v", id, err)
		}
	}
	return st
}

func testSettings() Settings {
	return Settings{PageSize: 100, SendDelay: 0, RetryMax: 2, ProgressEvery: 100}
}

func createJob(t *testing.T, st storage.Store, bonus string) storage.BroadcastJob {
	t.Helper()
	total, err := st.CountAccounts(context.Background())
	if err != nil {
		t.Fatalf("CountAccounts: %v", err)
	}
	job := storage.BroadcastJob{
		ID:          fmt.Sprintf("job-%d", time.Now().UnixNano()),
		InitiatorID: initiator,
		Payload:     transport.Text("hello"),
		Bonus:       decimal.RequireFromString(bonus),
		Total:       total,
		Status:      storage.BroadcastQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.CreateBroadcast(context.Background(), job); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	return job
}

func TestWorkerCompletesWithBlockedRecipient(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 250)
	sink := newFakeSink()
	sink.fail[37] = []error{fmt.Errorf("forbidden: %w", transport.ErrRecipientBlocked)}
	w := NewWorker(st, sink, nil, logx.Nop(), testSettings())
	job := createJob(t, st, "1.5")

	if err := w.Handle(ctx, Ticket{ID: "1", JobID: job.ID}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, err := st.GetBroadcast(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if got.Status != storage.BroadcastCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	p := got.Progress
	if p.Processed != 250 || p.Sent != 249 || p.Blocked != 1 || p.Failed != 0 || p.Cursor != 250 {
		t.Fatalf("progress = %+v", p)
	}
	if !p.BonusPaid.Equal(decimal.RequireFromString("373.5")) {
		t.Fatalf("bonus paid = %s", p.BonusPaid)
	}
	tasks, err := st.TaskOutcomes(ctx, job.ID, []int64{36, 37, 250})
	if err != nil {
		t.Fatalf("TaskOutcomes: %v", err)
	}
	if tasks[37].Status != storage.TaskBlocked || tasks[36].Status != storage.TaskSent || tasks[250].Status != storage.TaskSent {
		t.Fatalf("tasks = %+v", tasks)
	}
	if bal, _ := st.Balance(ctx, 37); !bal.IsZero() {
		t.Fatalf("blocked recipient balance = %s", bal)
	}
	if bal, _ := st.Balance(ctx, 250); !bal.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("recipient balance = %s", bal)
	}
	if len(sink.notices) < 2 {
		t.Fatalf("initiator notices = %v", sink.notices)
	}
	if w.Active() != "" {
		t.Fatalf("worker still marked active: %s", w.Active())
	}
}

func TestWorkerResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 250)
	job := createJob(t, st, "0")
	if err := st.StartBroadcast(ctx, job.ID); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	if err := st.CheckpointBroadcast(ctx, job.ID, storage.Progress{Processed: 200, Sent: 200, Cursor: 200}); err != nil {
		t.Fatalf("CheckpointBroadcast: %v", err)
	}
	// Sent after the checkpoint but before the crash.
	for id := int64(201); id <= 205; id++ {
		if err := st.SaveTask(ctx, storage.BroadcastTask{JobID: job.ID, RecipientID: id, Status: storage.TaskSent, Attempts: 1}); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}

	sink := newFakeSink()
	w := NewWorker(st, sink, nil, logx.Nop(), testSettings())
	if err := w.Handle(ctx, Ticket{ID: "1", JobID: job.ID, Failures: 1}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sent := sink.sentTo()
	if len(sent) != 45 || sent[0] != 206 || sent[len(sent)-1] != 250 {
		t.Fatalf("delivered to %d recipients (first %v)", len(sent), sent[:min(3, len(sent))])
	}
	got, _ := st.GetBroadcast(ctx, job.ID)
	if got.Status != storage.BroadcastCompleted || got.Progress.Sent != 250 || got.Progress.Processed != 250 {
		t.Fatalf("job = %s %+v", got.Status, got.Progress)
	}
}

func TestWorkerGuard(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 3)
	sink := newFakeSink()
	w := NewWorker(st, sink, nil, logx.Nop(), testSettings())
	running := createJob(t, st, "0")
	other := createJob(t, st, "0")

	if err := w.acquire(running.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := w.Handle(ctx, Ticket{ID: "a", JobID: running.ID}); err != nil {
		t.Fatalf("duplicate ticket: %v", err)
	}
	if err := w.Handle(ctx, Ticket{ID: "b", JobID: other.ID}); !errors.Is(err, ErrBusy) {
		t.Fatalf("other job while busy: %v, want ErrBusy", err)
	}
	if len(sink.sentTo()) != 0 {
		t.Fatalf("nothing should be delivered while guarded")
	}
	w.release()

	if err := w.Handle(ctx, Ticket{ID: "c", JobID: other.ID}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// A second ticket for the finished job is dropped without resending.
	if err := w.Handle(ctx, Ticket{ID: "d", JobID: other.ID}); err != nil {
		t.Fatalf("finished job ticket: %v", err)
	}
	if n := len(sink.sentTo()); n != 3 {
		t.Fatalf("sent = %d, want 3", n)
	}
	if err := w.Handle(ctx, Ticket{ID: "e", JobID: "missing"}); err != nil {
		t.Fatalf("unknown job ticket: %v", err)
	}
}

func TestWorkerRetriesFloodControl(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 3)
	sink := newFakeSink()
	flood := &transport.RetryAfterError{Wait: time.Millisecond, Err: errors.New("429")}
	sink.fail[1] = []error{flood, flood}
	sink.fail[2] = []error{flood, flood, flood}
	sink.fail[3] = []error{errors.New("bad request")}
	w := NewWorker(st, sink, nil, logx.Nop(), testSettings())
	job := createJob(t, st, "0")

	if err := w.Handle(ctx, Ticket{ID: "1", JobID: job.ID}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	tasks, _ := st.TaskOutcomes(ctx, job.ID, []int64{1, 2, 3})
	if tasks[1].Status != storage.TaskSent || tasks[1].Attempts != 3 {
		t.Fatalf("recipient 1 = %+v", tasks[1])
	}
	if tasks[2].Status != storage.TaskFailed || tasks[2].Attempts != 3 {
		t.Fatalf("recipient 2 = %+v", tasks[2])
	}
	if tasks[3].Status != storage.TaskFailed || tasks[3].Attempts != 1 {
		t.Fatalf("recipient 3 = %+v", tasks[3])
	}
	got, _ := st.GetBroadcast(ctx, job.ID)
	if got.Progress.Sent != 1 || got.Progress.Failed != 2 {
		t.Fatalf("progress = %+v", got.Progress)
	}
}

func TestWorkerAbandonsPoisonTicket(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 2)
	w := NewWorker(st, newFakeSink(), nil, logx.Nop(), Settings{MaxFailures: 3})
	job := createJob(t, st, "0")
	if err := w.Handle(ctx, Ticket{ID: "1", JobID: job.ID, Failures: 3}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := st.GetBroadcast(ctx, job.ID)
	if got.Status != storage.BroadcastFailed || got.Error == "" {
		t.Fatalf("job = %s %q", got.Status, got.Error)
	}
}

func TestServiceSubmitAndRecover(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 5)
	q, err := OpenQueue(QueueConfig{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	svc := NewService(st, q, NewWorker(st, newFakeSink(), nil, logx.Nop(), testSettings()), logx.Nop())

	if _, _, err := svc.Submit(ctx, initiator, transport.Payload{Kind: transport.PayloadPhoto}, decimal.Zero); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("photo without media: %v", err)
	}
	if _, _, err := svc.Submit(ctx, initiator, transport.Text("hi"), decimal.NewFromInt(-1)); !errors.Is(err, storage.ErrInvalidAmount) {
		t.Fatalf("negative bonus: %v", err)
	}

	job, ticket, err := svc.Submit(ctx, initiator, transport.Text("hi"), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Total != 5 || job.Status != storage.BroadcastQueued || ticket.JobID != job.ID {
		t.Fatalf("job = %+v ticket = %+v", job, ticket)
	}
	if n, err := svc.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("Recover with live ticket = %d, %v", n, err)
	}

	// Lose the ticket; Recover puts it back.
	bq := q.(*boltQueue)
	tk, ok, err := bq.next(ctx)
	if err != nil || !ok {
		t.Fatalf("next: %v %v", ok, err)
	}
	if err := bq.ack(ctx, tk); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, err := svc.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if ok, _ := q.Contains(ctx, job.ID); !ok {
		t.Fatalf("job not re-enqueued")
	}
}

func TestWorkerSurvivesManyRestarts(t *testing.T) {
	st := openStore(t, 30)
	job := createJob(t, st, "0")
	path := filepath.Join(t.TempDir(), "q.db")
	sink := newFakeSink()
	settings := testSettings()
	settings.PageSize = 5
	settings.MaxFailures = 3

	// Every run is shut down right after one delivery; more restarts than
	// MaxFailures must not abandon the job.
	for run := 0; run < 25; run++ {
		q, err := OpenQueue(QueueConfig{Path: path, PollInterval: time.Millisecond}, logx.Nop())
		if err != nil {
			t.Fatalf("OpenQueue: %v", err)
		}
		if run == 0 {
			if _, err := q.Enqueue(context.Background(), job.ID); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		ctx, cancel := context.WithCancel(context.Background())
		sink.afterSend = cancel
		w := NewWorker(st, sink, nil, logx.Nop(), settings)
		if err := q.Consume(ctx, w.Handle); err != nil {
			t.Fatalf("Consume: %v", err)
		}
		cancel()
		if err := q.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		got, _ := st.GetBroadcast(context.Background(), job.ID)
		if got.Status != storage.BroadcastRunning {
			t.Fatalf("run %d: status = %s %q", run, got.Status, got.Error)
		}
	}

	q, err := OpenQueue(QueueConfig{Path: path, PollInterval: time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	defer q.Close()
	sink.afterSend = nil
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := NewWorker(st, sink, nil, logx.Nop(), settings)
	_ = q.Consume(ctx, func(hctx context.Context, tk Ticket) error {
		err := w.Handle(hctx, tk)
		if err == nil {
			cancel()
		}
		return err
	})
	got, _ := st.GetBroadcast(context.Background(), job.ID)
	if got.Status != storage.BroadcastCompleted || got.Progress.Sent != 30 {
		t.Fatalf("job = %s %+v", got.Status, got.Progress)
	}
	if n := len(sink.sentTo()); n != 30 {
		t.Fatalf("deliveries = %d, want 30", n)
	}
}

type flakyStore struct {
	storage.Store
	failAfter int
	saves     int
}

func (s *flakyStore) SaveTask(ctx context.Context, task storage.BroadcastTask) error {
	s.saves++
	if s.saves > s.failAfter {
		return errors.New("disk full")
	}
	return s.Store.SaveTask(ctx, task)
}

func TestWorkerErrorAfterCheckpointIsProgress(t *testing.T) {
	ctx := context.Background()
	base := openStore(t, 20)
	job := createJob(t, base, "0")
	settings := testSettings()
	settings.PageSize = 5

	st := &flakyStore{Store: base, failAfter: 7}
	err := NewWorker(st, newFakeSink(), nil, logx.Nop(), settings).Handle(ctx, Ticket{ID: "1", JobID: job.ID})
	var pe progressedError
	if err == nil || !errors.As(err, &pe) {
		t.Fatalf("err = %v, want progressed", err)
	}
	got, _ := base.GetBroadcast(ctx, job.ID)
	if got.Progress.Processed != 5 {
		t.Fatalf("checkpoint = %+v", got.Progress)
	}

	// Nothing saved this time: a plain error.
	st = &flakyStore{Store: base, failAfter: 0}
	err = NewWorker(st, newFakeSink(), nil, logx.Nop(), settings).Handle(ctx, Ticket{ID: "1", JobID: job.ID})
	if err == nil || errors.As(err, &pe) {
		t.Fatalf("err = %v, want plain error", err)
	}
}
