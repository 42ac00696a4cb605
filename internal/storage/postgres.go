package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"genbot/pkg/logx"
)

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	st := &pgStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"), logx.String("host", pc.ConnConfig.Host))
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- ledger ----

// lockBalance takes the account row lock for the rest of tx.
func (s *pgStore) lockBalance(ctx context.Context, tx pgx.Tx, accountID int64) (decimal.Decimal, bool, error) {
	var raw string
	err := tx.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	bal, err := parseAmount(raw)
	return bal, err == nil, err
}

func (s *pgStore) insertEntry(ctx context.Context, tx pgx.Tx, accountID int64, amount decimal.Decimal, kind EntryKind, description, reference string) (bool, error) {
	tag, err := tx.Exec(ctx, `
INSERT INTO ledger_entries(account_id, amount, kind, description, reference)
VALUES($1, $2::text::numeric(20,4), $3, $4, $5)
ON CONFLICT DO NOTHING`,
		accountID, amount.String(), string(kind), description, nullStr(reference))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) Debit(ctx context.Context, accountID int64, amount decimal.Decimal, description string) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	bal, ok, err := s.lockBalance(ctx, tx, accountID)
	if err != nil || !ok {
		return false, err
	}
	if bal.LessThan(amount) {
		return false, nil
	}
	// Entry and balance apply the same rounded amount.
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1::text::numeric(20,4), generations = generations + 1 WHERE id = $2`,
		amount.String(), accountID); err != nil {
		return false, err
	}
	if _, err := s.insertEntry(ctx, tx, accountID, amount.Neg(), KindDebitGeneration, description, ""); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *pgStore) Credit(ctx context.Context, accountID int64, amount decimal.Decimal, description string, kind EntryKind) error {
	_, err := s.credit(ctx, "", accountID, amount, description, kind)
	return err
}

func (s *pgStore) CreditOnce(ctx context.Context, reference string, accountID int64, amount decimal.Decimal, description string, kind EntryKind) (bool, error) {
	if strings.TrimSpace(reference) == "" {
		return false, errors.New("credit reference is required")
	}
	return s.credit(ctx, reference, accountID, amount, description, kind)
}

func (s *pgStore) credit(ctx context.Context, reference string, accountID int64, amount decimal.Decimal, description string, kind EntryKind) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	if kind != KindCreditRefill && kind != KindCreditBonus {
		return false, fmt.Errorf("invalid credit kind %q", kind)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, ok, err := s.lockBalance(ctx, tx, accountID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	inserted, err := s.insertEntry(ctx, tx, accountID, amount, kind, description, reference)
	if err != nil || !inserted {
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1::text::numeric(20,4) WHERE id = $2`, amount.String(), accountID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *pgStore) IsExternalPaymentProcessed(ctx context.Context, paymentID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE reference = $1 AND kind = $2)`,
		paymentID, string(KindCreditRefill)).Scan(&exists)
	return exists, err
}

func (s *pgStore) MarkPaymentPending(ctx context.Context, accountID int64, paymentID, description string) error {
	if strings.TrimSpace(paymentID) == "" {
		return errors.New("payment id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, ok, err := s.lockBalance(ctx, tx, accountID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	if _, err := s.insertEntry(ctx, tx, accountID, decimal.Zero, KindPendingMarker, description, paymentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *pgStore) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1`, accountID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseAmount(raw)
}

func (s *pgStore) Entries(ctx context.Context, accountID int64, limit int) ([]LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, amount::text, kind, description, reference, created_at
FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC LIMIT $2`, accountID, pageLimit(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var (
			e      LedgerEntry
			amount string
			kind   string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &amount, &kind, &e.Description, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- accounts ----

func (s *pgStore) EnsureAccount(ctx context.Context, accountID int64, source string) (Account, bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO accounts(id, source) VALUES($1, $2) ON CONFLICT(id) DO NOTHING`, accountID, nullStr(source))
	if err != nil {
		return Account{}, false, err
	}
	acc, err := s.GetAccount(ctx, accountID)
	return acc, tag.RowsAffected() > 0, err
}

func (s *pgStore) GetAccount(ctx context.Context, accountID int64) (Account, error) {
	var (
		a   Account
		bal string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, balance::text, generations, is_admin, source, created_at FROM accounts WHERE id = $1`, accountID).
		Scan(&a.ID, &bal, &a.Generations, &a.IsAdmin, &a.Source, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.Balance, err = parseAmount(bal)
	return a, err
}

func (s *pgStore) SetAdmin(ctx context.Context, accountID int64, admin bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET is_admin = $1 WHERE id = $2`, admin, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(1) FROM accounts`).Scan(&n)
	return n, err
}

func (s *pgStore) RecipientPage(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM accounts WHERE id > $1 ORDER BY id LIMIT $2`, afterID, pageLimit(limit, 100))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ---- artifacts ----

func (s *pgStore) SaveArtifact(ctx context.Context, a Artifact) error {
	if a.ID == "" || a.StorageRef == "" {
		return errors.New("artifact id and storage ref are required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO artifacts(id, account_id, kind, storage_ref, prompt, created_at) VALUES($1, $2, $3, $4, $5, $6)`,
		a.ID, a.AccountID, a.Kind, a.StorageRef, a.Prompt, a.CreatedAt)
	return err
}

func (s *pgStore) ListArtifacts(ctx context.Context, accountID int64, limit int) ([]Artifact, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, kind, storage_ref, prompt, created_at
FROM artifacts WHERE account_id = $1 ORDER BY created_at DESC, id LIMIT $2`, accountID, pageLimit(limit, 20))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Kind, &a.StorageRef, &a.Prompt, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- broadcasts ----

const pgBroadcastCols = `id, initiator_id, payload::text, bonus::text, total, processed, sent, failed, blocked, bonus_paid::text, last_recipient, status, error, created_at, started_at, finished_at, updated_at`

func (s *pgStore) CreateBroadcast(ctx context.Context, j BroadcastJob) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return err
	}
	if j.Status == "" {
		j.Status = BroadcastQueued
	}
	now := time.Now()
	_, err = s.pool.Exec(ctx, `
INSERT INTO broadcast_jobs(id, initiator_id, payload, bonus, total, status, created_at, updated_at)
VALUES($1, $2, $3::text::jsonb, $4::text::numeric, $5, $6, $7, $7)`,
		j.ID, j.InitiatorID, string(payload), j.Bonus.String(), j.Total, string(j.Status), now)
	return err
}

func scanPGBroadcast(r pgx.Row) (BroadcastJob, error) {
	var (
		j                         BroadcastJob
		payload, bonus, bonusPaid string
		status                    string
	)
	err := r.Scan(&j.ID, &j.InitiatorID, &payload, &bonus, &j.Total,
		&j.Progress.Processed, &j.Progress.Sent, &j.Progress.Failed, &j.Progress.Blocked,
		&bonusPaid, &j.Progress.Cursor, &status, &j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt)
	if err != nil {
		return BroadcastJob{}, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return BroadcastJob{}, fmt.Errorf("broadcast %s payload: %w", j.ID, err)
	}
	if j.Bonus, err = parseAmount(bonus); err != nil {
		return BroadcastJob{}, err
	}
	if j.Progress.BonusPaid, err = parseAmount(bonusPaid); err != nil {
		return BroadcastJob{}, err
	}
	j.Status = BroadcastStatus(status)
	return j, nil
}

func (s *pgStore) GetBroadcast(ctx context.Context, id string) (BroadcastJob, error) {
	j, err := scanPGBroadcast(s.pool.QueryRow(ctx, `SELECT `+pgBroadcastCols+` FROM broadcast_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return BroadcastJob{}, ErrNotFound
	}
	return j, err
}

func (s *pgStore) ListBroadcasts(ctx context.Context, statuses ...BroadcastStatus) ([]BroadcastJob, error) {
	q := `SELECT ` + pgBroadcastCols + ` FROM broadcast_jobs`
	var args []any
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		q += ` WHERE status = ANY($1)`
		args = append(args, ss)
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BroadcastJob
	for rows.Next() {
		j, err := scanPGBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *pgStore) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) StartBroadcast(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE broadcast_jobs SET status = $1, started_at = COALESCE(started_at, now()), updated_at = now() WHERE id = $2`,
		string(BroadcastRunning), id)
}

func (s *pgStore) CheckpointBroadcast(ctx context.Context, id string, p Progress) error {
	return s.execOne(ctx, `
UPDATE broadcast_jobs SET processed = $1, sent = $2, failed = $3, blocked = $4, bonus_paid = $5::text::numeric, last_recipient = $6, updated_at = now()
WHERE id = $7`,
		p.Processed, p.Sent, p.Failed, p.Blocked, p.BonusPaid.String(), p.Cursor, id)
}

func (s *pgStore) FinishBroadcast(ctx context.Context, id string, status BroadcastStatus, p Progress, errText string) error {
	return s.execOne(ctx, `
UPDATE broadcast_jobs SET status = $1, error = $2, processed = $3, sent = $4, failed = $5, blocked = $6,
  bonus_paid = $7::text::numeric, last_recipient = $8, finished_at = now(), updated_at = now()
WHERE id = $9`,
		string(status), errText, p.Processed, p.Sent, p.Failed, p.Blocked, p.BonusPaid.String(), p.Cursor, id)
}

func (s *pgStore) SaveTask(ctx context.Context, t BroadcastTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO broadcast_tasks(job_id, recipient_id, status, error, attempts, created_at)
VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT(job_id, recipient_id) DO UPDATE SET status = excluded.status, error = excluded.error, attempts = excluded.attempts`,
		t.JobID, t.RecipientID, string(t.Status), t.Error, t.Attempts, t.CreatedAt)
	return err
}

func (s *pgStore) TaskOutcomes(ctx context.Context, jobID string, recipientIDs []int64) (map[int64]BroadcastTask, error) {
	out := make(map[int64]BroadcastTask, len(recipientIDs))
	if len(recipientIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT job_id, recipient_id, status, error, attempts, created_at
FROM broadcast_tasks WHERE job_id = $1 AND recipient_id = ANY($2)`, jobID, recipientIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t      BroadcastTask
			status string
		)
		if err := rows.Scan(&t.JobID, &t.RecipientID, &status, &t.Error, &t.Attempts, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = TaskStatus(status)
		out[t.RecipientID] = t
	}
	return out, rows.Err()
}
