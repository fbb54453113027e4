package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Spok95/school-ledger/internal/models"
)

// InsertVerification — единственная мутация, которую делает проверка подлинности.
// Таблица only-append: функций обновления и удаления по ней нет вовсе.
func InsertVerification(ctx context.Context, database *sql.DB, v models.VerificationRecord) (models.VerificationRecord, error) {
	if v.Verifier == "" {
		v.Verifier = models.DefaultVerifier
	}
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now().UTC()
	}
	err := database.QueryRowContext(ctx, `
		INSERT INTO verification_records
			(certificate_number, verifier, recomputed_hash, integrity_verified, verified_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, v.CertificateNumber, v.Verifier, v.RecomputedHash, v.IntegrityVerified, v.VerifiedAt).Scan(&v.ID)
	if err != nil {
		return models.VerificationRecord{}, fmt.Errorf("insert verification: %w", err)
	}
	return v, nil
}

// ListVerifications — история проверок по номеру сертификата, новые первыми.
func ListVerifications(ctx context.Context, database *sql.DB, certificateNumber string, limit int) ([]models.VerificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := database.QueryContext(ctx, `
		SELECT id, certificate_number, verifier, recomputed_hash, integrity_verified, verified_at
		FROM verification_records
		WHERE certificate_number = $1
		ORDER BY verified_at DESC, id DESC
		LIMIT $2
	`, certificateNumber, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VerificationRecord
	for rows.Next() {
		var v models.VerificationRecord
		if err := rows.Scan(&v.ID, &v.CertificateNumber, &v.Verifier, &v.RecomputedHash,
			&v.IntegrityVerified, &v.VerifiedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
