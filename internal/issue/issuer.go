package issue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Spok95/school-ledger/internal/anchor"
	"github.com/Spok95/school-ledger/internal/canonical"
	"github.com/Spok95/school-ledger/internal/ctxutil"
	"github.com/Spok95/school-ledger/internal/db"
	"github.com/Spok95/school-ledger/internal/models"
	"github.com/Spok95/school-ledger/internal/observability"
)

var errNumberTaken = errors.New("certificate number already taken")

const (
	numberPrefix      = "CERT"
	suffixBytes       = 4 // 8 hex-символов
	maxNumberAttempts = 10
)

// Issuer выдаёт сертификаты: номер, снимок-хеш в момент выдачи, транзакция
// якорения. Хеш считается ровно один раз и больше этим компонентом не
// пересчитывается и не заменяется.
type Issuer struct {
	db       *sql.DB
	anchors  *anchor.Manager
	log      *zap.SugaredLogger
	validate *validator.Validate
	limiter  *numberLimiter
}

func NewIssuer(database *sql.DB, anchors *anchor.Manager, log *zap.SugaredLogger) *Issuer {
	return &Issuer{
		db:       database,
		anchors:  anchors,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limiter:  newNumberLimiter(),
	}
}

type IssueRequest struct {
	Title      string                 `validate:"required,min=3,max=200"`
	Type       models.CertificateType `validate:"required,oneof=completion achievement recognition enrollment"`
	StudentID  int64                  `validate:"required,gt=0"`
	IssuedBy   string                 `validate:"required"`
	DateIssued time.Time              `validate:"required"`
	Metadata   *string
}

// Issue — полный цикл выдачи. Коллизия номера — повторная генерация до лимита,
// затем терминальный ErrGenerationExhausted; номера никогда не переиспользуются
// и не усекаются. Неудача отправки в реестр выдачу не отменяет: транзакция
// останется failed, повтор — явный Resubmit.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*models.Certificate, error) {
	if err := i.validate.Struct(req); err != nil {
		return nil, &models.ValidationError{Reason: "issue request", Err: err}
	}

	cert, err := i.insertWithFreshNumber(ctx, req)
	if err != nil {
		return nil, err
	}
	i.log.Infow("сертификат выдан", "number", cert.Number, "student", cert.StudentID, "type", cert.Type)

	if _, err := i.anchors.CreateAndSubmit(ctx, models.RecordCertificate, cert.ID, cert.AnchoredHash, req.IssuedBy); err != nil {
		// сертификат уже существует, фейл зафиксирован в транзакции
		observability.CaptureErr(err)
		i.log.Warnw("якорение выданного сертификата не удалось", "number", cert.Number, "err", err)
	}
	return cert, nil
}

func (i *Issuer) insertWithFreshNumber(ctx context.Context, req IssueRequest) (*models.Certificate, error) {
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		number, err := generateNumber(req.DateIssued)
		if err != nil {
			return nil, err
		}

		cert, err := i.tryInsert(ctx, number, req)
		if err == nil {
			return cert, nil
		}
		if errors.Is(err, errNumberTaken) || db.IsUniqueViolation(err) {
			i.log.Debugw("коллизия номера сертификата, генерируем заново", "number", number, "attempt", attempt+1)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w after %d attempts", models.ErrGenerationExhausted, maxNumberAttempts)
}

// tryInsert сериализуется только вокруг конкретного кандидата номера;
// выдачи с разными номерами идут без контенции.
func (i *Issuer) tryInsert(ctx context.Context, number string, req IssueRequest) (*models.Certificate, error) {
	unlock := i.limiter.lock(number)
	defer unlock()

	dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
	exists, err := db.CertificateNumberExists(dbCtx, i.db, number)
	cancel()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errNumberTaken
	}

	cert := models.Certificate{
		Number:     number,
		Title:      req.Title,
		Type:       req.Type,
		StudentID:  req.StudentID,
		IssuedBy:   req.IssuedBy,
		DateIssued: req.DateIssued.UTC().Truncate(24 * time.Hour),
		Metadata:   req.Metadata,
	}
	// снимок полезной нагрузки в момент выдачи
	cert.AnchoredHash, err = canonical.HashPayload(canonical.CertificatePayloadFrom(cert))
	if err != nil {
		return nil, err
	}

	dbCtx, cancel = ctxutil.WithDBTimeout(ctx)
	cert.ID, err = db.InsertCertificate(dbCtx, i.db, cert)
	cancel()
	if err != nil {
		return nil, err
	}
	cert.CreatedAt = time.Now().UTC()
	return &cert, nil
}

// generateNumber — PREFIX-<год выдачи>-<8 hex из crypto/rand>.
func generateNumber(dateIssued time.Time) (string, error) {
	buf := make([]byte, suffixBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate number: %w", err)
	}
	return fmt.Sprintf("%s-%d-%s", numberPrefix, dateIssued.UTC().Year(),
		strings.ToUpper(hex.EncodeToString(buf))), nil
}
