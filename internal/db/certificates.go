package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Spok95/school-ledger/internal/models"
)

const certColumns = `id, number, title, cert_type, student_id, issued_by,
	date_issued, metadata, anchored_hash, created_at`

// InsertCertificate — вставка с anchored_hash, посчитанным в момент выдачи.
// Уникальность номера держит UNIQUE-индекс; гонку определяем по IsUniqueViolation.
func InsertCertificate(ctx context.Context, database *sql.DB, c models.Certificate) (int64, error) {
	var id int64
	err := database.QueryRowContext(ctx, `
		INSERT INTO certificates
			(number, title, cert_type, student_id, issued_by, date_issued, metadata, anchored_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, c.Number, c.Title, c.Type, c.StudentID, c.IssuedBy, c.DateIssued, c.Metadata, c.AnchoredHash).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func GetCertificateByNumber(ctx context.Context, database *sql.DB, number string) (*models.Certificate, error) {
	row := database.QueryRowContext(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE number = $1`, number)
	return scanCertificate(row)
}

func GetCertificateByID(ctx context.Context, database *sql.DB, id int64) (*models.Certificate, error) {
	row := database.QueryRowContext(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE id = $1`, id)
	return scanCertificate(row)
}

func CertificateNumberExists(ctx context.Context, database *sql.DB, number string) (bool, error) {
	var exists bool
	err := database.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM certificates WHERE number = $1)`, number).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("certificate exists: %w", err)
	}
	return exists, nil
}

func scanCertificate(row *sql.Row) (*models.Certificate, error) {
	var c models.Certificate
	err := row.Scan(&c.ID, &c.Number, &c.Title, &c.Type, &c.StudentID, &c.IssuedBy,
		&c.DateIssued, &c.Metadata, &c.AnchoredHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
