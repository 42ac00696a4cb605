package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"genbot/internal/transport"
)

// storeChecks run against every backend; each gets an empty store.
var storeChecks = []struct {
	name string
	fn   func(t *testing.T, st Store)
}{
	{"DebitRejectsOverdraft", checkDebitRejectsOverdraft},
	{"DebitUnknownAccount", checkDebitUnknownAccount},
	{"InvalidAmounts", checkInvalidAmounts},
	{"AmountPrecision", checkAmountPrecision},
	{"ConcurrentDebitsNeverOverdraw", checkConcurrentDebitsNeverOverdraw},
	{"PaymentIdempotency", checkPaymentIdempotency},
	{"CreditOnceScopedByKind", checkCreditOnceScopedByKind},
	{"EnsureAccountKeepsFirstSource", checkEnsureAccountKeepsFirstSource},
	{"Artifacts", checkArtifacts},
	{"RecipientPaging", checkRecipientPaging},
	{"BroadcastLifecycle", checkBroadcastLifecycle},
	{"TaskOutcomes", checkTaskOutcomes},
}

func runStoreChecks(t *testing.T, open func(t *testing.T) Store) {
	for _, c := range storeChecks {
		t.Run(c.name, func(t *testing.T) { c.fn(t, open(t)) })
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sumEntries(t *testing.T, st Store, id int64) decimal.Decimal {
	t.Helper()
	entries, err := st.Entries(context.Background(), id, 1000)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum
}

func checkDebitRejectsOverdraft(t *testing.T, st Store) {
	ctx := context.Background()
	if _, _, err := st.EnsureAccount(ctx, 1, ""); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if err := st.Credit(ctx, 1, dec("100"), "seed", KindCreditRefill); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	ok, err := st.Debit(ctx, 1, dec("80"), "video")
	if err != nil || !ok {
		t.Fatalf("first debit = %v, %v; want true", ok, err)
	}
	ok, err = st.Debit(ctx, 1, dec("80"), "video")
	if err != nil || ok {
		t.Fatalf("second debit = %v, %v; want false", ok, err)
	}

	bal, err := st.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(dec("20")) {
		t.Fatalf("balance = %s, want 20", bal)
	}
	if sum := sumEntries(t, st, 1); !sum.Equal(bal) {
		t.Fatalf("entry sum %s != balance %s", sum, bal)
	}
	acc, err := st.GetAccount(ctx, 1)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Generations != 1 {
		t.Fatalf("generations = %d, want 1", acc.Generations)
	}
}

func checkDebitUnknownAccount(t *testing.T, st Store) {
	ok, err := st.Debit(context.Background(), 42, dec("1"), "x")
	if err != nil || ok {
		t.Fatalf("Debit = %v, %v; want false, nil", ok, err)
	}
}

func checkInvalidAmounts(t *testing.T, st Store) {
	ctx := context.Background()
	_, _, _ = st.EnsureAccount(ctx, 1, "")
	if _, err := st.Debit(ctx, 1, dec("0"), "x"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Debit(0) err = %v", err)
	}
	if err := st.Credit(ctx, 1, dec("-5"), "x", KindCreditBonus); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Credit(-5) err = %v", err)
	}
	if err := st.Credit(ctx, 1, dec("5"), "x", KindDebitGeneration); err == nil {
		t.Fatal("expected error for debit kind on credit")
	}
}

func checkConcurrentDebitsNeverOverdraw(t *testing.T, st Store) {
	ctx := context.Background()
	_, _, _ = st.EnsureAccount(ctx, 7, "")
	if err := st.Credit(ctx, 7, dec("100"), "seed", KindCreditRefill); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := st.Debit(ctx, 7, dec("30"), "race")
			if err != nil {
				t.Errorf("Debit: %v", err)
				return
			}
			if done {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 3 {
		t.Fatalf("successful debits = %d, want 3", ok)
	}
	bal, _ := st.Balance(ctx, 7)
	if !bal.Equal(dec("10")) {
		t.Fatalf("balance = %s, want 10", bal)
	}
}

func checkPaymentIdempotency(t *testing.T, st Store) {
	ctx := context.Background()
	_, _, _ = st.EnsureAccount(ctx, 3, "")

	if err := st.MarkPaymentPending(ctx, 3, "pay-1", "invoice"); err != nil {
		t.Fatalf("MarkPaymentPending: %v", err)
	}
	done, err := st.IsExternalPaymentProcessed(ctx, "pay-1")
	if err != nil || done {
		t.Fatalf("processed before credit = %v, %v", done, err)
	}

	for i := 0; i < 3; i++ {
		applied, err := st.CreditOnce(ctx, "pay-1", 3, dec("50.5"), "top-up", KindCreditRefill)
		if err != nil {
			t.Fatalf("CreditOnce: %v", err)
		}
		if applied != (i == 0) {
			t.Fatalf("attempt %d applied = %v", i, applied)
		}
	}
	done, _ = st.IsExternalPaymentProcessed(ctx, "pay-1")
	if !done {
		t.Fatal("payment should be processed")
	}
	bal, _ := st.Balance(ctx, 3)
	if !bal.Equal(dec("50.5")) {
		t.Fatalf("balance = %s, want 50.5", bal)
	}
	if sum := sumEntries(t, st, 3); !sum.Equal(bal) {
		t.Fatalf("entry sum %s != balance %s", sum, bal)
	}
}

func checkCreditOnceScopedByKind(t *testing.T, st Store) {
	ctx := context.Background()
	_, _, _ = st.EnsureAccount(ctx, 4, "")

	if ok, err := st.CreditOnce(ctx, "ref", 4, dec("1"), "a", KindCreditRefill); err != nil || !ok {
		t.Fatalf("refill = %v, %v", ok, err)
	}
	if ok, err := st.CreditOnce(ctx, "ref", 4, dec("2"), "b", KindCreditBonus); err != nil || !ok {
		t.Fatalf("bonus = %v, %v", ok, err)
	}
	if ok, _ := st.CreditOnce(ctx, "ref", 4, dec("2"), "b", KindCreditBonus); ok {
		t.Fatal("repeat bonus applied")
	}
	if _, err := st.CreditOnce(ctx, "", 4, dec("1"), "x", KindCreditBonus); err == nil {
		t.Fatal("expected error for empty reference")
	}
}

func checkEnsureAccountKeepsFirstSource(t *testing.T, st Store) {
	ctx := context.Background()
	acc, created, err := st.EnsureAccount(ctx, 9, "ads")
	if err != nil || !created {
		t.Fatalf("EnsureAccount = %v, %v", created, err)
	}
	if acc.Source == nil || *acc.Source != "ads" {
		t.Fatalf("source = %v", acc.Source)
	}
	acc, created, _ = st.EnsureAccount(ctx, 9, "other")
	if created || *acc.Source != "ads" {
		t.Fatalf("second EnsureAccount created=%v source=%v", created, *acc.Source)
	}
	if err := st.SetAdmin(ctx, 9, true); err != nil {
		t.Fatalf("SetAdmin: %v", err)
	}
	acc, _ = st.GetAccount(ctx, 9)
	if !acc.IsAdmin {
		t.Fatal("expected admin")
	}
	if _, err := st.GetAccount(ctx, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAccount missing err = %v", err)
	}
}

func checkArtifacts(t *testing.T, st Store) {
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		if err := st.SaveArtifact(ctx, Artifact{ID: id, AccountID: 5, Kind: "video", StorageRef: "file-" + id, Prompt: "cat"}); err != nil {
			t.Fatalf("SaveArtifact: %v", err)
		}
	}
	list, err := st.ListArtifacts(ctx, 5, 10)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(list))
	}
	if err := st.SaveArtifact(ctx, Artifact{ID: "a3", AccountID: 5}); err == nil {
		t.Fatal("expected error without storage ref")
	}
}

func checkRecipientPaging(t *testing.T, st Store) {
	ctx := context.Background()
	for i := int64(1); i <= 250; i++ {
		if _, _, err := st.EnsureAccount(ctx, i, ""); err != nil {
			t.Fatalf("EnsureAccount: %v", err)
		}
	}
	n, _ := st.CountAccounts(ctx)
	if n != 250 {
		t.Fatalf("CountAccounts = %d", n)
	}

	var (
		cursor int64
		seen   int
	)
	for {
		page, err := st.RecipientPage(ctx, cursor, 100)
		if err != nil {
			t.Fatalf("RecipientPage: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, id := range page {
			if id <= cursor {
				t.Fatalf("id %d not after cursor %d", id, cursor)
			}
		}
		seen += len(page)
		cursor = page[len(page)-1]
	}
	if seen != 250 {
		t.Fatalf("seen = %d, want 250", seen)
	}
}

func checkBroadcastLifecycle(t *testing.T, st Store) {
	ctx := context.Background()
	job := BroadcastJob{
		ID:          "job-1",
		InitiatorID: 1,
		Payload:     transport.Payload{Kind: transport.PayloadText, Text: "hello", Button: &transport.Button{Text: "Go", URL: "https://example.com"}},
		Bonus:       dec("2"),
		Total:       3,
	}
	if err := st.CreateBroadcast(ctx, job); err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	if err := st.StartBroadcast(ctx, "job-1"); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	p := Progress{Processed: 2, Sent: 1, Blocked: 1, BonusPaid: dec("2"), Cursor: 2}
	if err := st.CheckpointBroadcast(ctx, "job-1", p); err != nil {
		t.Fatalf("CheckpointBroadcast: %v", err)
	}

	running, err := st.ListBroadcasts(ctx, BroadcastQueued, BroadcastRunning)
	if err != nil || len(running) != 1 {
		t.Fatalf("ListBroadcasts = %d, %v", len(running), err)
	}
	got := running[0]
	if got.Status != BroadcastRunning || got.StartedAt == nil {
		t.Fatalf("status = %s started = %v", got.Status, got.StartedAt)
	}
	if got.Progress.Cursor != 2 || got.Progress.Sent != 1 || !got.Progress.BonusPaid.Equal(dec("2")) {
		t.Fatalf("progress = %+v", got.Progress)
	}
	if got.Payload.Button == nil || got.Payload.Button.URL != "https://example.com" {
		t.Fatalf("payload = %+v", got.Payload)
	}

	p.Processed, p.Sent, p.Cursor = 3, 2, 3
	if err := st.FinishBroadcast(ctx, "job-1", BroadcastCompleted, p, ""); err != nil {
		t.Fatalf("FinishBroadcast: %v", err)
	}
	got, _ = st.GetBroadcast(ctx, "job-1")
	if got.Status != BroadcastCompleted || got.FinishedAt == nil || got.Progress.Sent != 2 {
		t.Fatalf("finished job = %+v", got)
	}
	if _, err := st.GetBroadcast(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBroadcast missing err = %v", err)
	}
	if err := st.StartBroadcast(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("StartBroadcast missing err = %v", err)
	}
}

func checkTaskOutcomes(t *testing.T, st Store) {
	ctx := context.Background()
	_ = st.SaveTask(ctx, BroadcastTask{JobID: "j", RecipientID: 1, Status: TaskSent, Attempts: 1})
	_ = st.SaveTask(ctx, BroadcastTask{JobID: "j", RecipientID: 2, Status: TaskFailed, Error: "boom", Attempts: 1})
	if err := st.SaveTask(ctx, BroadcastTask{JobID: "j", RecipientID: 2, Status: TaskBlocked, Attempts: 2}); err != nil {
		t.Fatalf("SaveTask upsert: %v", err)
	}
	_ = st.SaveTask(ctx, BroadcastTask{JobID: "other", RecipientID: 3, Status: TaskSent})

	got, err := st.TaskOutcomes(ctx, "j", []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("TaskOutcomes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(got))
	}
	if got[2].Status != TaskBlocked || got[2].Attempts != 2 {
		t.Fatalf("recipient 2 = %+v", got[2])
	}
}

func checkAmountPrecision(t *testing.T, st Store) {
	ctx := context.Background()
	_, _, _ = st.EnsureAccount(ctx, 1, "")
	if err := st.Credit(ctx, 1, dec("1"), "seed", KindCreditRefill); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := st.Debit(ctx, 1, dec("0.12345"), "x"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Debit(0.12345) err = %v", err)
	}
	if _, err := st.CreditOnce(ctx, "pay-x", 1, dec("1.00001"), "x", KindCreditRefill); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("CreditOnce(1.00001) err = %v", err)
	}
	if ok, err := st.Debit(ctx, 1, dec("0.1235"), "x"); err != nil || !ok {
		t.Fatalf("Debit(0.1235) = %v, %v", ok, err)
	}
	// Trailing zeros do not add precision.
	if ok, err := st.Debit(ctx, 1, dec("0.00010"), "x"); err != nil || !ok {
		t.Fatalf("Debit(0.00010) = %v, %v", ok, err)
	}
	bal, err := st.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(dec("0.8764")) {
		t.Fatalf("balance = %s, want 0.8764", bal)
	}
	if sum := sumEntries(t, st, 1); !sum.Equal(bal) {
		t.Fatalf("entry sum %s != balance %s", sum, bal)
	}
}
