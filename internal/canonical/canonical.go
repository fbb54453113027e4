package canonical

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Spok95/school-ledger/internal/models"
)

// Версии схем. Версия входит в канонические байты: при добавлении поля
// поднимаем версию, и старые хеши остаются проверяемыми по своей схеме.
const (
	SchemaGradeV1       = "grade.v1"
	SchemaCertificateV1 = "certificate.v1"
)

// Payload — закрытый sum-тип: оценка или сертификат, у каждого свои правила
// канонизации. Диспетчеризация один раз, через type switch в Canonicalize.
type Payload interface{ sealed() }

type GradePayload struct {
	StudentID      int64
	ClassSubjectID int64
	PeriodID       int64
	Prelim         *decimal.Decimal
	Midterm        *decimal.Decimal
	Final          *decimal.Decimal
	FinalRating    *decimal.Decimal
	Remarks        *models.Remarks
}

func (GradePayload) sealed() {}

type CertificatePayload struct {
	Number     string
	Title      string
	Type       models.CertificateType
	StudentID  int64
	IssuedBy   string
	DateIssued time.Time // значима только дата; нормализуется к UTC
	Metadata   *string
}

func (CertificatePayload) sealed() {}

func GradePayloadFrom(g models.Grade) GradePayload {
	return GradePayload{
		StudentID:      g.StudentID,
		ClassSubjectID: g.ClassSubjectID,
		PeriodID:       g.PeriodID,
		Prelim:         g.Prelim,
		Midterm:        g.Midterm,
		Final:          g.Final,
		FinalRating:    g.FinalRating,
		Remarks:        g.Remarks,
	}
}

func CertificatePayloadFrom(c models.Certificate) CertificatePayload {
	return CertificatePayload{
		Number:     c.Number,
		Title:      c.Title,
		Type:       c.Type,
		StudentID:  c.StudentID,
		IssuedBy:   c.IssuedBy,
		DateIssued: c.DateIssued,
		Metadata:   c.Metadata,
	}
}

// Canonicalize — чистая функция: одинаковая логическая нагрузка даёт
// байт-в-байт одинаковый результат. Поля пишутся в фиксированном порядке
// схемы, null — явным сентинелом (не пропуском), числа — ровно с двумя
// знаками, даты — в UTC фиксированным форматом, enum — каноничной строкой.
func Canonicalize(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case GradePayload:
		return canonGrade(v)
	case CertificatePayload:
		return canonCertificate(v)
	default:
		return nil, fmt.Errorf("canonical: unsupported payload %T", p)
	}
}

func canonGrade(g GradePayload) ([]byte, error) {
	if g.StudentID <= 0 || g.ClassSubjectID <= 0 || g.PeriodID <= 0 {
		return nil, &models.ValidationError{Reason: "grade refs must be positive"}
	}
	for _, s := range []*decimal.Decimal{g.Prelim, g.Midterm, g.Final, g.FinalRating} {
		if err := checkScore(s); err != nil {
			return nil, err
		}
	}
	if g.Remarks != nil {
		switch *g.Remarks {
		case models.RemarksPassed, models.RemarksFailed, models.RemarksIncomplete:
		default:
			return nil, &models.ValidationError{Reason: fmt.Sprintf("unknown remarks %q", *g.Remarks)}
		}
	}

	var w fieldWriter
	w.raw("schema", SchemaGradeV1)
	w.id("student", g.StudentID)
	w.id("class_subject", g.ClassSubjectID)
	w.id("period", g.PeriodID)
	w.dec("prelim", g.Prelim)
	w.dec("midterm", g.Midterm)
	w.dec("final", g.Final)
	w.dec("final_rating", g.FinalRating)
	if g.Remarks == nil {
		w.null("remarks")
	} else {
		w.raw("remarks", string(*g.Remarks))
	}
	return w.bytes(), nil
}

func canonCertificate(c CertificatePayload) ([]byte, error) {
	if c.Number == "" {
		return nil, &models.ValidationError{Reason: "certificate number is empty"}
	}
	if c.Title == "" {
		return nil, &models.ValidationError{Reason: "certificate title is empty"}
	}
	switch c.Type {
	case models.CertCompletion, models.CertAchievement, models.CertRecognition, models.CertEnrollment:
	default:
		return nil, &models.ValidationError{Reason: fmt.Sprintf("unknown certificate type %q", c.Type)}
	}
	if c.StudentID <= 0 {
		return nil, &models.ValidationError{Reason: "student id must be positive"}
	}
	if c.IssuedBy == "" {
		return nil, &models.ValidationError{Reason: "issuer is empty"}
	}
	if c.DateIssued.IsZero() {
		return nil, &models.ValidationError{Reason: "date issued is zero"}
	}

	var w fieldWriter
	w.raw("schema", SchemaCertificateV1)
	w.str("number", c.Number)
	w.str("title", c.Title)
	w.raw("type", string(c.Type))
	w.id("student", c.StudentID)
	w.str("issued_by", c.IssuedBy)
	w.date("date_issued", c.DateIssued)
	w.optStr("metadata", c.Metadata)
	return w.bytes(), nil
}

var hundred = decimal.NewFromInt(100)

func checkScore(d *decimal.Decimal) error {
	if d == nil {
		return nil
	}
	if d.IsNegative() || d.GreaterThan(hundred) {
		return &models.ValidationError{Reason: "score out of range [0, 100]: " + d.String()}
	}
	return nil
}

// fieldWriter пишет строки вида "name=value\n". Для отсутствующего значения —
// сентинел \x00: отсутствие и пустая строка различимы, потому что строки
// всегда идут в Go-кавычках, а сентинел кавычек не имеет.
type fieldWriter struct{ buf bytes.Buffer }

func (w *fieldWriter) raw(name, v string) {
	w.buf.WriteString(name)
	w.buf.WriteByte('=')
	w.buf.WriteString(v)
	w.buf.WriteByte('\n')
}

func (w *fieldWriter) str(name, v string) { w.raw(name, strconv.Quote(v)) }

func (w *fieldWriter) optStr(name string, v *string) {
	if v == nil {
		w.null(name)
		return
	}
	w.str(name, *v)
}

func (w *fieldWriter) id(name string, v int64) { w.raw(name, strconv.FormatInt(v, 10)) }

func (w *fieldWriter) dec(name string, v *decimal.Decimal) {
	if v == nil {
		w.null(name)
		return
	}
	// ровно два знака, без локалей и хвостовых нулей-сюрпризов
	w.raw(name, v.StringFixed(2))
}

func (w *fieldWriter) date(name string, t time.Time) { w.raw(name, t.UTC().Format("2006-01-02")) }

func (w *fieldWriter) null(name string) {
	w.buf.WriteString(name)
	w.buf.WriteByte('=')
	w.buf.WriteByte(0x00)
	w.buf.WriteByte('\n')
}

func (w *fieldWriter) bytes() []byte { return w.buf.Bytes() }
