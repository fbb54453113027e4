package models

import "time"

// VerificationRecord — одна попытка публичной проверки подлинности.
// Журнал only-append: записи никогда не правятся и не удаляются,
// несовпадение хеша — это нормальный результат, а не ошибка.
type VerificationRecord struct {
	ID                int64
	CertificateNumber string
	Verifier          string
	RecomputedHash    string
	IntegrityVerified bool
	VerifiedAt        time.Time
}

const DefaultVerifier = "public"
