package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-ledger/internal/canonical"
	"github.com/Spok95/school-ledger/internal/ctxutil"
	"github.com/Spok95/school-ledger/internal/db"
	"github.com/Spok95/school-ledger/internal/ledger"
	"github.com/Spok95/school-ledger/internal/metrics"
	"github.com/Spok95/school-ledger/internal/models"
	"github.com/Spok95/school-ledger/internal/observability"
)

type Options struct {
	SubmitTimeout time.Duration // предел одного вызова Submit/Poll
	ConfirmWindow time.Duration // pending старше окна фейлим свипом
	MaxAttempts   int           // лимит попыток на одну логическую запись
}

// Manager ведёт жизненный цикл транзакций якорения: pending → confirmed|failed,
// других переходов нет. Все переходы — compare-and-set по статусу в БД,
// внешних локов не берём.
type Manager struct {
	db        *sql.DB
	client    ledger.Client
	log       *zap.SugaredLogger
	opts      Options
	resubmits *recordLimiter
}

func NewManager(database *sql.DB, client ledger.Client, log *zap.SugaredLogger, opts Options) *Manager {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	if opts.ConfirmWindow <= 0 {
		opts.ConfirmWindow = 30 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Manager{db: database, client: client, log: log, opts: opts, resubmits: newRecordLimiter()}
}

type AnchorRequest struct {
	RecordType models.RecordType
	RecordID   int64
	Payload    canonical.Payload
	Initiator  string
}

// Anchor — общий вход "заякорить запись": канонизация, хеш, транзакция.
// Для оценки якорный хеш ставится в строку grades ровно один раз — это снимок
// на момент первого якорения, повторные вызовы его не трогают.
func (m *Manager) Anchor(ctx context.Context, req AnchorRequest) (*models.Transaction, error) {
	digest, err := canonical.HashPayload(req.Payload)
	if err != nil {
		return nil, err
	}
	if req.RecordType == models.RecordGrade {
		dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
		stamped, err := db.StampGradeHash(dbCtx, m.db, req.RecordID, digest)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("stamp grade hash: %w", err)
		}
		if !stamped {
			m.log.Debugw("якорный хеш оценки уже зафиксирован, снимок не меняем", "grade_id", req.RecordID)
		}
	}
	return m.CreateAndSubmit(ctx, req.RecordType, req.RecordID, digest, req.Initiator)
}

// CreateAndSubmit — pending-строка плюс один вызов Submit. Синхронный отказ
// реестра сразу фейлит транзакцию; тихих фоновых ретраев нет — повтор только
// явным Resubmit.
func (m *Manager) CreateAndSubmit(ctx context.Context, rt models.RecordType, recordID int64, digest string, initiator string) (*models.Transaction, error) {
	if len(digest) != canonical.HashLen {
		return nil, &models.ValidationError{Reason: fmt.Sprintf("bad digest length %d", len(digest))}
	}

	dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
	attempts, err := db.CountAttempts(dbCtx, m.db, rt, recordID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}

	t := models.Transaction{
		RecordType:  rt,
		RecordID:    recordID,
		ContentHash: digest,
		Status:      models.TxPending,
		Initiator:   initiator,
		Attempt:     attempts + 1,
		SubmittedAt: time.Now().UTC(),
	}
	dbCtx, cancel = ctxutil.WithDBTimeout(ctx)
	t.ID, err = db.InsertTransaction(dbCtx, m.db, t)
	cancel()
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
	ref, err := m.client.Submit(subCtx, digest, ledger.SubmitMeta{
		RecordType: string(rt),
		RecordID:   recordID,
		Initiator:  initiator,
	})
	cancel()
	if err != nil {
		reason := "submit: " + err.Error()
		dbCtx, cancel := ctxutil.WithDBTimeout(context.WithoutCancel(ctx))
		defer cancel()
		if _, ferr := db.FailTransaction(dbCtx, m.db, t.ID, reason); ferr != nil {
			m.log.Errorw("не удалось пометить транзакцию failed после отказа submit", "tx", t.ID, "err", ferr)
		}
		metrics.TxFailed.WithLabelValues("submission").Inc()
		observability.CaptureErrCtx(ctxutil.WithTxID(ctx, t.ID), err)
		m.log.Warnw("реестр отклонил отправку", "tx", t.ID, "record", recordID, "err", err)
		t.Status = models.TxFailed
		t.FailureReason = &reason
		return &t, &models.SubmissionError{TxID: t.ID, Err: err}
	}

	dbCtx, cancel = ctxutil.WithDBTimeout(ctx)
	err = db.SetExternalRef(dbCtx, m.db, t.ID, ref)
	cancel()
	if err != nil {
		m.log.Errorw("не удалось сохранить external_ref", "tx", t.ID, "ref", ref, "err", err)
	} else {
		t.ExternalRef = &ref
	}
	metrics.TxSubmitted.Inc()
	m.log.Infow("дайджест отправлен в реестр", "tx", t.ID, "type", rt, "record", recordID, "ref", ref)
	return &t, nil
}

// Resubmit — явная повторная попытка для записи, чья последняя транзакция
// зафейлилась. Всегда новая строка; failed-строки не мутируются (аудит).
// Повторы по одной записи сериализуются, чтобы два конкурентных Resubmit
// не проскочили лимит попыток.
func (m *Manager) Resubmit(ctx context.Context, rt models.RecordType, recordID int64, initiator string) (*models.Transaction, error) {
	unlock := m.resubmits.lock(fmt.Sprintf("%s/%d", rt, recordID))
	defer unlock()

	dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
	last, err := db.LatestTransactionForRecord(dbCtx, m.db, rt, recordID)
	cancel()
	if err != nil {
		return nil, err
	}
	if last.Status == models.TxPending {
		return nil, fmt.Errorf("%w: record %s/%d: previous attempt (tx %d) still pending", models.ErrResubmitRefused, rt, recordID, last.ID)
	}
	if last.Status == models.TxConfirmed {
		return nil, fmt.Errorf("%w: record %s/%d: already confirmed (tx %d)", models.ErrResubmitRefused, rt, recordID, last.ID)
	}

	dbCtx, cancel = ctxutil.WithDBTimeout(ctx)
	attempts, err := db.CountAttempts(dbCtx, m.db, rt, recordID)
	cancel()
	if err != nil {
		return nil, err
	}
	if attempts >= m.opts.MaxAttempts {
		return nil, fmt.Errorf("record %s/%d: %w (limit %d)", rt, recordID, models.ErrAttemptsExhausted, m.opts.MaxAttempts)
	}
	return m.CreateAndSubmit(ctx, rt, recordID, last.ContentHash, initiator)
}

// OnLedgerNotification — применяет исход из реестра. Доставка at-least-once:
// дубликаты, опоздания и гонки между конкурентными доставками разруливаются
// CAS-ом по статусу; проигравший получает no-op, а не ошибку.
func (m *Manager) OnLedgerNotification(ctx context.Context, n ledger.Notification) error {
	dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
	t, err := db.GetTransactionByExternalRef(dbCtx, m.db, n.Ref)
	cancel()
	if errors.Is(err, models.ErrNotFound) {
		// ref уже никому не принадлежит: поздний исход по свипнутой и
		// пересозданной транзакции. Отбрасываем молча.
		metrics.TxDuplicateEvents.Inc()
		m.log.Debugw("уведомление по неизвестному ref отброшено", "ref", n.Ref, "outcome", n.Outcome)
		return nil
	}
	if err != nil {
		return err
	}

	if t.Status.Terminal() {
		metrics.TxDuplicateEvents.Inc()
		m.log.Debugw("повторная доставка по терминальной транзакции", "tx", t.ID, "status", t.Status, "outcome", n.Outcome)
		return nil
	}

	switch n.Outcome {
	case ledger.OutcomeConfirmed:
		at := time.Now().UTC()
		dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
		ok, err := db.ConfirmTransaction(dbCtx, m.db, t.ID, at)
		cancel()
		if err != nil {
			return fmt.Errorf("confirm tx %d: %w", t.ID, err)
		}
		if !ok {
			m.dropConflict(t.ID, n)
			return nil
		}
		took := at.Sub(t.SubmittedAt)
		metrics.TxConfirmed.Inc()
		metrics.ConfirmLatency.Observe(took.Seconds())
		m.log.Infow("транзакция подтверждена", "tx", t.ID, "ref", n.Ref, "за", took.Round(time.Millisecond).String())
	case ledger.OutcomeFailed:
		reason := n.Details
		if reason == "" {
			reason = "ledger reported failure"
		}
		dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
		ok, err := db.FailTransaction(dbCtx, m.db, t.ID, reason)
		cancel()
		if err != nil {
			return fmt.Errorf("fail tx %d: %w", t.ID, err)
		}
		if !ok {
			m.dropConflict(t.ID, n)
			return nil
		}
		metrics.TxFailed.WithLabelValues("ledger").Inc()
		m.log.Warnw("реестр сообщил о неудаче якорения", "tx", t.ID, "ref", n.Ref, "reason", reason)
	default:
		return fmt.Errorf("tx %d: unknown outcome %q", t.ID, n.Outcome)
	}
	return nil
}

// dropConflict — проигранный CAS: кто-то успел применить терминальный переход
// между нашим чтением и апдейтом. Логируем и отбрасываем.
func (m *Manager) dropConflict(txID int64, n ledger.Notification) {
	metrics.TxDuplicateEvents.Inc()
	m.log.Warnw("конкурирующий терминальный переход отброшен",
		"tx", txID, "ref", n.Ref, "outcome", n.Outcome, "err", models.ErrConcurrencyConflict)
}

// SweepStale — pending без вердикта дольше окна фейлим по таймауту.
// Это обычный фейл: та же политика Resubmit, что и при явном отказе.
func (m *Manager) SweepStale(ctx context.Context) error {
	before := time.Now().UTC().Add(-m.opts.ConfirmWindow)
	dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
	ids, err := db.StalePendingIDs(dbCtx, m.db, before, 200)
	cancel()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	reason := fmt.Sprintf("timeout: no confirmation within %s", m.opts.ConfirmWindow)
	dbCtx, cancel = ctxutil.WithDBTimeout(ctx)
	n, err := db.FailTransactionsBatch(dbCtx, m.db, ids, reason)
	cancel()
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.TxFailed.WithLabelValues("timeout").Add(float64(n))
		m.log.Warnw("pending-транзакции зафейлены по таймауту", "count", n, "window", m.opts.ConfirmWindow)
	}
	return nil
}

// PollOnce — один цикл опроса реестра: собрать pending ref'ы, скормить исходы
// в OnLedgerNotification. Вызывается планировщиком фоновых задач.
func (m *Manager) PollOnce(ctx context.Context) error {
	dbCtx, cancel := ctxutil.WithDBTimeout(ctx)
	refs, err := db.PendingExternalRefs(dbCtx, m.db, 200)
	cancel()
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
	notes, err := m.client.Poll(pollCtx, refs)
	cancel()
	if err != nil {
		return fmt.Errorf("poll ledger: %w", err)
	}
	var firstErr error
	for _, n := range notes {
		if err := m.OnLedgerNotification(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
