package models

import "github.com/shopspring/decimal"

type Remarks string

const (
	RemarksPassed     Remarks = "Passed"
	RemarksFailed     Remarks = "Failed"
	RemarksIncomplete Remarks = "Incomplete"
)

// Grade — строка оценок; сама таблица принадлежит CRUD-слою приложения,
// здесь мы её только читаем и один раз проставляем anchored_hash.
// Баллы храним как decimal, чтобы канонизация не зависела от float-форматирования.
type Grade struct {
	ID             int64
	StudentID      int64
	ClassSubjectID int64
	PeriodID       int64
	Prelim         *decimal.Decimal
	Midterm        *decimal.Decimal
	Final          *decimal.Decimal
	FinalRating    *decimal.Decimal
	Remarks        *Remarks
	AnchoredHash   *string
}
