package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/period"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	opDateLayout = "2006-01-02"
	timeLayout   = time.RFC3339Nano
)

// SQLiteRepository implements the ledger ports over a single SQLite
// database: operation buckets, aggregates, closure status and the
// global closure lock.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applyMigrations(dbPath); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteRepository{db: db}, nil
}

// applyMigrations brings the schema up to date from the embedded
// migration files. It opens its own short-lived connection so a failed
// migration cannot poison the repository pool.
func applyMigrations(dbPath string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open schema connection: %w", err)
	}
	defer db.Close()

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("wrap sqlite instance: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// RecordOperation appends an operation to the mutable today bucket and
// returns its id. The ledger write side; the core itself only reads.
func (r *SQLiteRepository) RecordOperation(ctx context.Context, op core.OperationRecord) (string, error) {
	if err := op.Validate(); err != nil {
		return "", fmt.Errorf("validate operation: %w", err)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO operations_today (id, op_date, account_ref, amount, direction, payment_mode, motif, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Date.UTC().Format(opDateLayout), op.AccountRef, op.Amount.String(),
		string(op.Direction), string(op.PaymentMode), op.Motif, op.Description)
	if err != nil {
		return "", fmt.Errorf("insert operation: %w", err)
	}

	slog.InfoContext(ctx, "Operation recorded",
		"id", op.ID,
		"account_ref", op.AccountRef,
		"direction", op.Direction,
		"amount", op.Amount.String())

	return op.ID, nil
}

// OperationsForPeriod reads every operation dated inside the period,
// today bucket and frozen history together, in stable order.
func (r *SQLiteRepository) OperationsForPeriod(ctx context.Context, key period.Key) ([]core.OperationRecord, error) {
	from := key.Start().Format(opDateLayout)
	to := key.End().Format(opDateLayout)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, op_date, account_ref, amount, direction, payment_mode, motif, description
		FROM operations_today
		WHERE op_date >= ? AND op_date < ?
		UNION ALL
		SELECT id, op_date, account_ref, amount, direction, payment_mode, motif, description
		FROM operations_history
		WHERE op_date >= ? AND op_date < ?
		ORDER BY op_date, id`,
		from, to, from, to)
	if err != nil {
		return nil, fmt.Errorf("query operations for %s: %w", key, err)
	}
	defer rows.Close()

	var ops []core.OperationRecord
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}

	return ops, nil
}

// TreasuryBalances sums every recorded operation per payment instrument,
// inflows minus outflows, today bucket and history together.
func (r *SQLiteRepository) TreasuryBalances(ctx context.Context) (core.TreasurySnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payment_mode, direction, amount FROM operations_today
		UNION ALL
		SELECT payment_mode, direction, amount FROM operations_history`)
	if err != nil {
		return core.TreasurySnapshot{}, fmt.Errorf("query treasury rows: %w", err)
	}
	defer rows.Close()

	var snap core.TreasurySnapshot
	for rows.Next() {
		var mode, direction, rawAmount string
		if err := rows.Scan(&mode, &direction, &rawAmount); err != nil {
			return core.TreasurySnapshot{}, fmt.Errorf("scan treasury row: %w", err)
		}
		amount, err := decimal.NewFromString(rawAmount)
		if err != nil {
			return core.TreasurySnapshot{}, fmt.Errorf("parse amount %q: %w", rawAmount, err)
		}
		if core.Direction(direction) == core.Out {
			amount = amount.Neg()
		}
		switch core.PaymentMode(mode) {
		case core.Cash:
			snap.Cash = snap.Cash.Add(amount)
		case core.MobileMoney:
			snap.MobileMoney = snap.MobileMoney.Add(amount)
		case core.Bank:
			snap.Bank = snap.Bank.Add(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return core.TreasurySnapshot{}, fmt.Errorf("iterate treasury rows: %w", err)
	}

	return snap, nil
}

// ArchiveDay moves the day's operations into history and persists the
// day aggregate inside one transaction, so the ledger can never lose or
// duplicate operations on a partial failure.
func (r *SQLiteRepository) ArchiveDay(ctx context.Context, day period.Key, agg core.PeriodAggregate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	dayStr := day.Start().Format(opDateLayout)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO operations_history (id, op_date, account_ref, amount, direction, payment_mode, motif, description)
		SELECT id, op_date, account_ref, amount, direction, payment_mode, motif, description
		FROM operations_today WHERE op_date = ?`, dayStr); err != nil {
		return fmt.Errorf("move operations to history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations_today WHERE op_date = ?`, dayStr); err != nil {
		return fmt.Errorf("clear today bucket: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO archived_days (day_key) VALUES (?)`, day.String()); err != nil {
		return fmt.Errorf("mark day archived: %w", err)
	}

	if err := upsertAggregate(ctx, tx, agg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}

	slog.InfoContext(ctx, "Day archived", "day", day.String(), "operations", agg.OperationCount)
	return nil
}

// DayArchived reports whether the day already went through archival.
func (r *SQLiteRepository) DayArchived(ctx context.Context, day period.Key) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM archived_days WHERE day_key = ?`, day.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check archived day: %w", err)
	}
	return true, nil
}

// GetAggregate returns the stored aggregate for a period key, or
// (nil, nil) when none exists. The closed column is authoritative over
// whatever flag the payload carried at write time.
func (r *SQLiteRepository) GetAggregate(ctx context.Context, key string) (*core.PeriodAggregate, error) {
	var payload string
	var closed int
	err := r.db.QueryRowContext(ctx,
		`SELECT payload, closed FROM aggregates WHERE period_key = ?`, key).Scan(&payload, &closed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query aggregate %s: %w", key, err)
	}

	var agg core.PeriodAggregate
	if err := json.Unmarshal([]byte(payload), &agg); err != nil {
		return nil, fmt.Errorf("decode aggregate %s: %w", key, err)
	}
	agg.Closed = closed != 0

	return &agg, nil
}

func (r *SQLiteRepository) PutAggregate(ctx context.Context, agg core.PeriodAggregate) error {
	return upsertAggregate(ctx, r.db, agg)
}

func (r *SQLiteRepository) SetAggregateClosed(ctx context.Context, key string, closed bool) error {
	flag := 0
	if closed {
		flag = 1
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE aggregates SET closed = ? WHERE period_key = ?`, flag, key)
	if err != nil {
		return fmt.Errorf("set aggregate closed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set aggregate closed: %w", err)
	}
	if n == 0 {
		return &core.NotFoundError{Kind: "aggregate", Key: key}
	}
	return nil
}

func (r *SQLiteRepository) GetClosureStatus(ctx context.Context) (core.ClosureStatus, error) {
	var status core.ClosureStatus
	var closedAt sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT last_closed_key, last_closed_by, last_closed_at FROM closure_status WHERE id = 1`).
		Scan(&status.LastClosedKey, &status.LastClosedBy, &closedAt)
	if err != nil {
		return core.ClosureStatus{}, fmt.Errorf("query closure status: %w", err)
	}
	if closedAt.Valid && closedAt.String != "" {
		t, err := time.Parse(timeLayout, closedAt.String)
		if err != nil {
			return core.ClosureStatus{}, fmt.Errorf("parse last_closed_at: %w", err)
		}
		status.LastClosedAt = t
	}
	return status, nil
}

func (r *SQLiteRepository) PutClosureStatus(ctx context.Context, status core.ClosureStatus) error {
	var closedAt any
	if !status.LastClosedAt.IsZero() {
		closedAt = status.LastClosedAt.UTC().Format(timeLayout)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE closure_status
		SET last_closed_key = ?, last_closed_by = ?, last_closed_at = ?
		WHERE id = 1`,
		status.LastClosedKey, status.LastClosedBy, closedAt)
	if err != nil {
		return fmt.Errorf("update closure status: %w", err)
	}
	return nil
}

// AcquireLock installs the closure lock in a single conditional insert.
// The scope_key primary key makes acquisition atomic: losers observe a
// no-op insert and get back a ConcurrencyError naming the holder.
func (r *SQLiteRepository) AcquireLock(ctx context.Context, lock core.ClosureLock) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO closure_lock (scope_key, period_key, holder_id, acquired_at, attempt_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope_key) DO NOTHING`,
		lock.ScopeKey, lock.PeriodKey, lock.HolderID,
		lock.AcquiredAt.UTC().Format(timeLayout), lock.AttemptCount, lock.LastError)
	if err != nil {
		return fmt.Errorf("insert closure lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert closure lock: %w", err)
	}
	if n == 0 {
		holder, err := r.GetLock(ctx, lock.ScopeKey)
		if err != nil {
			return err
		}
		if holder == nil {
			// Holder released between insert and read; the caller retries.
			return &core.ConcurrencyError{HolderID: "unknown", PeriodKey: lock.PeriodKey}
		}
		return &core.ConcurrencyError{HolderID: holder.HolderID, PeriodKey: holder.PeriodKey}
	}

	return nil
}

func (r *SQLiteRepository) GetLock(ctx context.Context, scopeKey string) (*core.ClosureLock, error) {
	var lock core.ClosureLock
	var acquiredAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT scope_key, period_key, holder_id, acquired_at, attempt_count, last_error
		FROM closure_lock WHERE scope_key = ?`, scopeKey).
		Scan(&lock.ScopeKey, &lock.PeriodKey, &lock.HolderID, &acquiredAt, &lock.AttemptCount, &lock.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query closure lock: %w", err)
	}
	t, err := time.Parse(timeLayout, acquiredAt)
	if err != nil {
		return nil, fmt.Errorf("parse acquired_at: %w", err)
	}
	lock.AcquiredAt = t
	return &lock, nil
}

func (r *SQLiteRepository) UpdateLockAttempt(ctx context.Context, scopeKey string, attempt int, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE closure_lock SET attempt_count = ?, last_error = ? WHERE scope_key = ?`,
		attempt, lastErr, scopeKey)
	if err != nil {
		return fmt.Errorf("update lock attempt: %w", err)
	}
	return nil
}

// ReleaseLock deletes the lock only when the caller still holds it.
// Releasing an already-released lock is a no-op.
func (r *SQLiteRepository) ReleaseLock(ctx context.Context, scopeKey, holderID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM closure_lock WHERE scope_key = ? AND holder_id = ?`, scopeKey, holderID)
	if err != nil {
		return fmt.Errorf("release closure lock: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertAggregate(ctx context.Context, db execer, agg core.PeriodAggregate) error {
	key, err := period.Parse(agg.PeriodKey)
	if err != nil {
		return fmt.Errorf("aggregate period key: %w", err)
	}

	payload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode aggregate %s: %w", agg.PeriodKey, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO aggregates (period_key, granularity, payload, closed, computed_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (period_key) DO UPDATE SET
			payload = excluded.payload,
			computed_at = excluded.computed_at`,
		agg.PeriodKey, string(key.Gran), string(payload),
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert aggregate %s: %w", agg.PeriodKey, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (core.OperationRecord, error) {
	var op core.OperationRecord
	var opDate, rawAmount, direction, mode string
	if err := row.Scan(&op.ID, &opDate, &op.AccountRef, &rawAmount, &direction, &mode, &op.Motif, &op.Description); err != nil {
		return core.OperationRecord{}, fmt.Errorf("scan operation: %w", err)
	}

	date, err := time.Parse(opDateLayout, opDate)
	if err != nil {
		return core.OperationRecord{}, fmt.Errorf("parse op_date %q: %w", opDate, err)
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return core.OperationRecord{}, fmt.Errorf("parse amount %q: %w", rawAmount, err)
	}

	op.Date = date
	op.Amount = amount
	op.Direction = core.Direction(direction)
	op.PaymentMode = core.PaymentMode(mode)
	return op, nil
}
