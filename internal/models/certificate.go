package models

import "time"

type CertificateType string

const (
	CertCompletion  CertificateType = "completion"
	CertAchievement CertificateType = "achievement"
	CertRecognition CertificateType = "recognition"
	CertEnrollment  CertificateType = "enrollment"
)

// Certificate — выданный документ. Номер и anchored_hash неизменны после выдачи:
// хеш — снимок полезной нагрузки в момент выдачи, позднейшие правки строки
// всплывут как integrity_verified=false при проверке.
type Certificate struct {
	ID           int64
	Number       string
	Title        string
	Type         CertificateType
	StudentID    int64
	IssuedBy     string
	DateIssued   time.Time // только дата, без времени
	Metadata     *string
	AnchoredHash string
	CreatedAt    time.Time
}
