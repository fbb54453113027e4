package models

import (
	"fmt"
	"time"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Terminal — конфирм и фейл финальны, из них переходов нет.
func (s TxStatus) Terminal() bool { return s == TxConfirmed || s == TxFailed }

type RecordType string

const (
	RecordGrade       RecordType = "grade"
	RecordCertificate RecordType = "certificate_issuance"
)

func ParseRecordType(s string) (RecordType, error) {
	switch RecordType(s) {
	case RecordGrade, RecordCertificate:
		return RecordType(s), nil
	}
	return "", fmt.Errorf("unknown record type %q", s)
}

// Transaction — одна попытка заякорить хеш записи во внешнем реестре.
// content_hash неизменен после создания; повторная попытка — всегда новая строка.
type Transaction struct {
	ID            int64
	RecordType    RecordType
	RecordID      int64
	ContentHash   string
	Status        TxStatus
	ExternalRef   *string
	Initiator     string
	Attempt       int
	FailureReason *string
	SubmittedAt   time.Time
	ConfirmedAt   *time.Time
	CreatedAt     time.Time
}

// ProcessingDuration — сколько шло подтверждение; для неподтверждённых пусто.
func (t Transaction) ProcessingDuration() string {
	if t.ConfirmedAt == nil {
		return ""
	}
	return t.ConfirmedAt.Sub(t.SubmittedAt).Round(time.Millisecond).String()
}
