package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Spok95/school-ledger/internal/models"
)

// GetGradeByID — чтение строки оценок из таблицы CRUD-слоя.
func GetGradeByID(ctx context.Context, database *sql.DB, id int64) (*models.Grade, error) {
	row := database.QueryRowContext(ctx, `
		SELECT id, student_id, class_subject_id, period_id,
		       prelim, midterm, final, final_rating, remarks, anchored_hash
		FROM grades WHERE id = $1
	`, id)

	var g models.Grade
	var prelim, midterm, final, rating decimal.NullDecimal
	var remarks sql.NullString
	err := row.Scan(&g.ID, &g.StudentID, &g.ClassSubjectID, &g.PeriodID,
		&prelim, &midterm, &final, &rating, &remarks, &g.AnchoredHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Prelim = fromNullDecimal(prelim)
	g.Midterm = fromNullDecimal(midterm)
	g.Final = fromNullDecimal(final)
	g.FinalRating = fromNullDecimal(rating)
	if remarks.Valid {
		r := models.Remarks(remarks.String)
		g.Remarks = &r
	}
	return &g, nil
}

// InsertGrade — вставка (используется CRUD-слоем и тестами).
func InsertGrade(ctx context.Context, database *sql.DB, g models.Grade) (int64, error) {
	var id int64
	err := database.QueryRowContext(ctx, `
		INSERT INTO grades (student_id, class_subject_id, period_id, prelim, midterm, final, final_rating, remarks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, g.StudentID, g.ClassSubjectID, g.PeriodID,
		toNullDecimal(g.Prelim), toNullDecimal(g.Midterm), toNullDecimal(g.Final),
		toNullDecimal(g.FinalRating), remarksStr(g.Remarks)).Scan(&id)
	return id, err
}

// StampGradeHash — проставить якорный хеш ровно один раз: снимок на момент
// первого якорения, как у сертификатов. Повторный вызов — no-op (false).
func StampGradeHash(ctx context.Context, database *sql.DB, id int64, hash string) (bool, error) {
	res, err := database.ExecContext(ctx, `
		UPDATE grades SET anchored_hash = $1
		WHERE id = $2 AND anchored_hash IS NULL
	`, hash, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func toNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func remarksStr(r *models.Remarks) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}
