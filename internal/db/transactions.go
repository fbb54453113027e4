package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Spok95/school-ledger/internal/models"
)

const txColumns = `id, record_type, record_id, content_hash, status, external_ref,
	initiator, attempt, failure_reason, submitted_at, confirmed_at, created_at`

// InsertTransaction — новая pending-строка. Каждая попытка якорения — отдельная
// строка; существующие строки никогда не переиспользуются.
func InsertTransaction(ctx context.Context, database *sql.DB, t models.Transaction) (int64, error) {
	var id int64
	err := database.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions
			(record_type, record_id, content_hash, status, initiator, attempt, submitted_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6)
		RETURNING id
	`, t.RecordType, t.RecordID, t.ContentHash, t.Initiator, t.Attempt, t.SubmittedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}

func GetTransactionByID(ctx context.Context, database *sql.DB, id int64) (*models.Transaction, error) {
	row := database.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func GetTransactionByExternalRef(ctx context.Context, database *sql.DB, ref string) (*models.Transaction, error) {
	row := database.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE external_ref = $1`, ref)
	return scanTransaction(row)
}

// LatestTransactionForRecord — последняя попытка по логической записи.
func LatestTransactionForRecord(ctx context.Context, database *sql.DB, rt models.RecordType, recordID int64) (*models.Transaction, error) {
	row := database.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM ledger_transactions
		WHERE record_type = $1 AND record_id = $2
		ORDER BY id DESC LIMIT 1
	`, rt, recordID)
	return scanTransaction(row)
}

// CountAttempts — сколько попыток якорения уже было у записи.
func CountAttempts(ctx context.Context, database *sql.DB, rt models.RecordType, recordID int64) (int, error) {
	var n int
	err := database.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_transactions
		WHERE record_type = $1 AND record_id = $2
	`, rt, recordID).Scan(&n)
	return n, err
}

// SetExternalRef — привязывает внешний ref один раз, после успешного submit.
func SetExternalRef(ctx context.Context, database *sql.DB, id int64, ref string) error {
	_, err := database.ExecContext(ctx, `
		UPDATE ledger_transactions SET external_ref = $1
		WHERE id = $2 AND external_ref IS NULL
	`, ref, id)
	return err
}

// ConfirmTransaction — атомарный переход pending→confirmed. Guard по статусу:
// при гонке двух доставок применится ровно одна, вторая получит false.
func ConfirmTransaction(ctx context.Context, database *sql.DB, id int64, at time.Time) (bool, error) {
	res, err := database.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = 'confirmed', confirmed_at = $1
		WHERE id = $2 AND status = 'pending'
	`, at, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FailTransaction — атомарный переход pending→failed с причиной.
func FailTransaction(ctx context.Context, database *sql.DB, id int64, reason string) (bool, error) {
	res, err := database.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = 'failed', failure_reason = $1
		WHERE id = $2 AND status = 'pending'
	`, reason, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// StalePendingIDs — pending-строки, отправленные раньше порога (кандидаты на
// фейл по таймауту).
func StalePendingIDs(ctx context.Context, database *sql.DB, before time.Time, batch int) ([]int64, error) {
	rows, err := database.QueryContext(ctx, `
		SELECT id FROM ledger_transactions
		WHERE status = 'pending' AND submitted_at < $1
		ORDER BY submitted_at
		LIMIT $2
	`, before, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailTransactionsBatch — пачечный фейл по таймауту. Guard по статусу сохраняется:
// строка, успевшая подтвердиться между выборкой и апдейтом, не тронется.
func FailTransactionsBatch(ctx context.Context, database *sql.DB, ids []int64, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := database.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = 'failed', failure_reason = $1
		WHERE id = ANY($2) AND status = 'pending'
	`, reason, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingExternalRefs — ref'ы pending-транзакций для опроса реестра.
func PendingExternalRefs(ctx context.Context, database *sql.DB, batch int) ([]string, error) {
	rows, err := database.QueryContext(ctx, `
		SELECT external_ref FROM ledger_transactions
		WHERE status = 'pending' AND external_ref IS NOT NULL
		ORDER BY submitted_at
		LIMIT $1
	`, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

type TxFilter struct {
	Status     *models.TxStatus
	RecordType *models.RecordType
	Limit      int
}

// ListTransactions — read-only выборка для аудита/админки.
func ListTransactions(ctx context.Context, database *sql.DB, f TxFilter) ([]models.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM ledger_transactions WHERE 1=1`
	args := []any{}
	idx := 1
	if f.Status != nil {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *f.Status)
		idx++
	}
	if f.RecordType != nil {
		q += fmt.Sprintf(" AND record_type = $%d", idx)
		args = append(args, *f.RecordType)
		idx++
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", idx)
	args = append(args, f.Limit)

	rows, err := database.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Transaction, 0, f.Limit)
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.RecordType, &t.RecordID, &t.ContentHash, &t.Status,
			&t.ExternalRef, &t.Initiator, &t.Attempt, &t.FailureReason,
			&t.SubmittedAt, &t.ConfirmedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row *sql.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.RecordType, &t.RecordID, &t.ContentHash, &t.Status,
		&t.ExternalRef, &t.Initiator, &t.Attempt, &t.FailureReason,
		&t.SubmittedAt, &t.ConfirmedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
