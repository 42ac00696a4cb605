package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"genbot/pkg/logx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// _txlock=immediate takes the write lock at BEGIN so a balance read and
	// its update can never interleave with another writer.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// ---- ledger ----

// lockedBalance reads the balance inside tx. ok is false when the account is missing.
func (s *sqliteStore) lockedBalance(ctx context.Context, tx *sql.Tx, accountID int64) (decimal.Decimal, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	bal, err := parseAmount(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("account %d: bad balance %q: %w", accountID, raw, err)
	}
	return bal, true, nil
}

func (s *sqliteStore) insertEntry(ctx context.Context, tx *sql.Tx, accountID int64, amount decimal.Decimal, kind EntryKind, description, reference string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(account_id, amount, kind, description, reference, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		accountID, amount.String(), string(kind), description, nullStr(reference), nowMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Debit(ctx context.Context, accountID int64, amount decimal.Decimal, description string) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	bal, ok, err := s.lockedBalance(ctx, tx, accountID)
	if err != nil || !ok {
		return false, err
	}
	if bal.LessThan(amount) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, generations = generations + 1 WHERE id = ?`,
		bal.Sub(amount).String(), accountID); err != nil {
		return false, err
	}
	if _, err := s.insertEntry(ctx, tx, accountID, amount.Neg(), KindDebitGeneration, description, ""); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) Credit(ctx context.Context, accountID int64, amount decimal.Decimal, description string, kind EntryKind) error {
	_, err := s.credit(ctx, "", accountID, amount, description, kind)
	return err
}

func (s *sqliteStore) CreditOnce(ctx context.Context, reference string, accountID int64, amount decimal.Decimal, description string, kind EntryKind) (bool, error) {
	if strings.TrimSpace(reference) == "" {
		return false, errors.New("credit reference is required")
	}
	return s.credit(ctx, reference, accountID, amount, description, kind)
}

func (s *sqliteStore) credit(ctx context.Context, reference string, accountID int64, amount decimal.Decimal, description string, kind EntryKind) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	if kind != KindCreditRefill && kind != KindCreditBonus {
		return false, fmt.Errorf("invalid credit kind %q", kind)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	bal, ok, err := s.lockedBalance(ctx, tx, accountID)
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
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, bal.Add(amount).String(), accountID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) IsExternalPaymentProcessed(ctx context.Context, paymentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger_entries WHERE reference = ? AND kind = ?`,
		paymentID, string(KindCreditRefill)).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) MarkPaymentPending(ctx context.Context, accountID int64, paymentID, description string) error {
	if strings.TrimSpace(paymentID) == "" {
		return errors.New("payment id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, ok, err := s.lockedBalance(ctx, tx, accountID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	if _, err := s.insertEntry(ctx, tx, accountID, decimal.Zero, KindPendingMarker, description, paymentID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseAmount(raw)
}

func (s *sqliteStore) Entries(ctx context.Context, accountID int64, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, amount, kind, description, reference, created_at
FROM ledger_entries WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, pageLimit(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var (
			e       LedgerEntry
			amount  string
			kind    string
			ref     sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &amount, &kind, &e.Description, &ref, &created); err != nil {
			return nil, err
		}
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		e.Kind = EntryKind(kind)
		if ref.Valid {
			e.Reference = strPtr(ref.String)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- accounts ----

func (s *sqliteStore) EnsureAccount(ctx context.Context, accountID int64, source string) (Account, bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO accounts(id, source, created_at) VALUES(?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		accountID, nullStr(source), nowMillis())
	if err != nil {
		return Account{}, false, err
	}
	n, _ := res.RowsAffected()
	acc, err := s.GetAccount(ctx, accountID)
	return acc, n > 0, err
}

func (s *sqliteStore) GetAccount(ctx context.Context, accountID int64) (Account, error) {
	var (
		a       Account
		bal     string
		admin   int
		source  sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, balance, generations, is_admin, source, created_at FROM accounts WHERE id = ?`, accountID).
		Scan(&a.ID, &bal, &a.Generations, &admin, &source, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if a.Balance, err = parseAmount(bal); err != nil {
		return Account{}, err
	}
	a.IsAdmin = admin != 0
	if source.Valid {
		a.Source = strPtr(source.String)
	}
	a.CreatedAt = fromMillis(created)
	return a, nil
}

func (s *sqliteStore) SetAdmin(ctx context.Context, accountID int64, admin bool) error {
	v := 0
	if admin {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET is_admin = ? WHERE id = ?`, v, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts`).Scan(&n)
	return n, err
}

func (s *sqliteStore) RecipientPage(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts WHERE id > ? ORDER BY id LIMIT ?`, afterID, pageLimit(limit, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- artifacts ----

func (s *sqliteStore) SaveArtifact(ctx context.Context, a Artifact) error {
	if a.ID == "" || a.StorageRef == "" {
		return errors.New("artifact id and storage ref are required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO artifacts(id, account_id, kind, storage_ref, prompt, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, a.Kind, a.StorageRef, a.Prompt, a.CreatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) ListArtifacts(ctx context.Context, accountID int64, limit int) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, kind, storage_ref, prompt, created_at
FROM artifacts WHERE account_id = ? ORDER BY created_at DESC, id LIMIT ?`, accountID, pageLimit(limit, 20))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var (
			a       Artifact
			created int64
		)
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Kind, &a.StorageRef, &a.Prompt, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- broadcasts ----

const sqliteBroadcastCols = `id, initiator_id, payload, bonus, total, processed, sent, failed, blocked, bonus_paid, last_recipient, status, error, created_at, started_at, finished_at, updated_at`

func (s *sqliteStore) CreateBroadcast(ctx context.Context, j BroadcastJob) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return err
	}
	now := nowMillis()
	if j.Status == "" {
		j.Status = BroadcastQueued
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO broadcast_jobs(id, initiator_id, payload, bonus, total, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.InitiatorID, string(payload), j.Bonus.String(), j.Total, string(j.Status), now, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBroadcast(r rowScanner) (BroadcastJob, error) {
	var (
		j                 BroadcastJob
		payload, bonus    string
		bonusPaid, status string
		created, updated  int64
		started, finished sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.InitiatorID, &payload, &bonus, &j.Total,
		&j.Progress.Processed, &j.Progress.Sent, &j.Progress.Failed, &j.Progress.Blocked,
		&bonusPaid, &j.Progress.Cursor, &status, &j.Error, &created, &started, &finished, &updated)
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
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.StartedAt = fromNullMillis(started)
	j.FinishedAt = fromNullMillis(finished)
	return j, nil
}

func (s *sqliteStore) GetBroadcast(ctx context.Context, id string) (BroadcastJob, error) {
	j, err := scanSQLiteBroadcast(s.db.QueryRowContext(ctx, `SELECT `+sqliteBroadcastCols+` FROM broadcast_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastJob{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ListBroadcasts(ctx context.Context, statuses ...BroadcastStatus) ([]BroadcastJob, error) {
	q := `SELECT ` + sqliteBroadcastCols + ` FROM broadcast_jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		q += ` WHERE status IN (` + strings.Join(ph, ",") + `)`
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BroadcastJob
	for rows.Next() {
		j, err := scanSQLiteBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) StartBroadcast(ctx context.Context, id string) error {
	now := nowMillis()
	return s.execOne(ctx, `UPDATE broadcast_jobs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ? WHERE id = ?`,
		string(BroadcastRunning), now, now, id)
}

func (s *sqliteStore) CheckpointBroadcast(ctx context.Context, id string, p Progress) error {
	return s.execOne(ctx, `
UPDATE broadcast_jobs SET processed = ?, sent = ?, failed = ?, blocked = ?, bonus_paid = ?, last_recipient = ?, updated_at = ?
WHERE id = ?`,
		p.Processed, p.Sent, p.Failed, p.Blocked, p.BonusPaid.String(), p.Cursor, nowMillis(), id)
}

func (s *sqliteStore) FinishBroadcast(ctx context.Context, id string, status BroadcastStatus, p Progress, errText string) error {
	now := nowMillis()
	return s.execOne(ctx, `
UPDATE broadcast_jobs SET status = ?, error = ?, processed = ?, sent = ?, failed = ?, blocked = ?, bonus_paid = ?, last_recipient = ?,
  finished_at = ?, updated_at = ?
WHERE id = ?`,
		string(status), errText, p.Processed, p.Sent, p.Failed, p.Blocked, p.BonusPaid.String(), p.Cursor, now, now, id)
}

func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SaveTask(ctx context.Context, t BroadcastTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO broadcast_tasks(job_id, recipient_id, status, error, attempts, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id, recipient_id) DO UPDATE SET status = excluded.status, error = excluded.error, attempts = excluded.attempts`,
		t.JobID, t.RecipientID, string(t.Status), t.Error, t.Attempts, t.CreatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) TaskOutcomes(ctx context.Context, jobID string, recipientIDs []int64) (map[int64]BroadcastTask, error) {
	out := make(map[int64]BroadcastTask, len(recipientIDs))
	if len(recipientIDs) == 0 {
		return out, nil
	}
	ph := make([]string, len(recipientIDs))
	args := make([]any, 0, len(recipientIDs)+1)
	args = append(args, jobID)
	for i, id := range recipientIDs {
		ph[i] = "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, recipient_id, status, error, attempts, created_at
FROM broadcast_tasks WHERE job_id = ? AND recipient_id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t       BroadcastTask
			status  string
			created int64
		)
		if err := rows.Scan(&t.JobID, &t.RecipientID, &status, &t.Error, &t.Attempts, &created); err != nil {
			return nil, err
		}
		t.Status = TaskStatus(status)
		t.CreatedAt = fromMillis(created)
		out[t.RecipientID] = t
	}
	return out, rows.Err()
}
