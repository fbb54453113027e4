package verify

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-ledger/internal/canonical"
	"github.com/Spok95/school-ledger/internal/ctxutil"
	"github.com/Spok95/school-ledger/internal/db"
	"github.com/Spok95/school-ledger/internal/metrics"
	"github.com/Spok95/school-ledger/internal/models"
)

// Service — публичная проверка подлинности сертификата: пересчитать хеш от
// текущих данных и сравнить с якорным. Единственная запись — строка в
// only-append журнале; ни сертификат, ни транзакции не мутируются, поэтому
// вызовов может быть сколько угодно и из скольких угодно горутин.
type Service struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

func NewService(database *sql.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: database, log: log}
}

// unverifiableDigest пишется в журнал, когда пересчитать хеш не удалось.
// Нулевой дайджест не встречается среди настоящих якорных хешей, так что
// сравнение с ним гарантированно даёт integrity_verified=false.
var unverifiableDigest = strings.Repeat("0", canonical.HashLen)

type Result struct {
	Certificate       models.Certificate
	Record            models.VerificationRecord
	IntegrityVerified bool
}

// Verify — неизвестный номер даёт models.ErrNotFound без записи в журнал.
// Несовпадение хеша — НЕ ошибка: это успешно вычисленный результат
// integrity_verified=false, ради которого механизм и существует.
func (s *Service) Verify(ctx context.Context, certificateNumber, verifier string) (*Result, error) {
	dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
	cert, err := db.GetCertificateByNumber(dbCtx, s.db, certificateNumber)
	cancel()
	if err != nil {
		return nil, err
	}

	recomputed, err := canonical.HashPayload(canonical.CertificatePayloadFrom(*cert))
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		// Строка испорчена в рамках ограничений схемы (пустой заголовок,
		// нулевой student_id): канонизация отвергла текущие данные. Это та же
		// подмена, что и несовпадение хеша, — результат, а не ошибка.
		recomputed = unverifiableDigest
		err = nil
		s.log.Warnw("сохранённые данные сертификата не канонизируются",
			"number", cert.Number, "reason", verr.Error())
	}
	if err != nil {
		return nil, err
	}
	ok := recomputed == cert.AnchoredHash

	if verifier == "" {
		verifier = models.DefaultVerifier
	}
	dbCtx, cancel = ctxutil.WithDBTimeout(ctx)
	rec, err := db.InsertVerification(dbCtx, s.db, models.VerificationRecord{
		CertificateNumber: cert.Number,
		Verifier:          verifier,
		RecomputedHash:    recomputed,
		IntegrityVerified: ok,
		VerifiedAt:        time.Now().UTC(),
	})
	cancel()
	if err != nil {
		return nil, err
	}

	if ok {
		metrics.Verifications.WithLabelValues("ok").Inc()
	} else {
		metrics.Verifications.WithLabelValues("mismatch").Inc()
		s.log.Warnw("проверка выявила расхождение хеша",
			"number", cert.Number, "verifier", verifier,
			"anchored", cert.AnchoredHash, "recomputed", recomputed)
	}

	return &Result{Certificate: *cert, Record: rec, IntegrityVerified: ok}, nil
}

// History — журнал проверок по номеру (для админки).
func (s *Service) History(ctx context.Context, certificateNumber string, limit int) ([]models.VerificationRecord, error) {
	dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	return db.ListVerifications(dbCtx, s.db, certificateNumber, limit)
}
