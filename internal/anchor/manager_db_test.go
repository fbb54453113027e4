//go:build testutil
// +build testutil

package anchor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Spok95/school-ledger/internal/anchor"
	"github.com/Spok95/school-ledger/internal/canonical"
	"github.com/Spok95/school-ledger/internal/db"
	"github.com/Spok95/school-ledger/internal/ledger"
	"github.com/Spok95/school-ledger/internal/models"
	"github.com/Spok95/school-ledger/internal/testutil/testdb"
)

func newManager(t *testing.T, h *testdb.DBHandle, stub *ledger.StubClient, opts anchor.Options) *anchor.Manager {
	t.Helper()
	return anchor.NewManager(h.DB, stub, zap.NewNop().Sugar(), opts)
}

func sampleDigest(t *testing.T, seed string) string {
	t.Helper()
	return canonical.HashBytes([]byte(seed))
}

func TestCreateAndSubmit_ConfirmViaPoll(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	m := newManager(t, h, stub, anchor.Options{})

	tx, err := m.CreateAndSubmit(ctx, models.RecordCertificate, 1, sampleDigest(t, "c1"), "registrar")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != models.TxPending || tx.ExternalRef == nil {
		t.Fatalf("ожидали pending с external_ref, получили %+v", tx)
	}

	if err := m.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetTransactionByID(ctx, h.DB, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TxConfirmed || got.ConfirmedAt == nil {
		t.Fatalf("ожидали confirmed с confirmed_at, получили %+v", got)
	}
	if got.ProcessingDuration() == "" {
		t.Fatal("ожидали непустую длительность обработки")
	}
}

func TestCreateAndSubmit_SyncSubmitErrorFailsWithoutRetry(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	stub.FailSubmit = errors.New("ledger unreachable")
	m := newManager(t, h, stub, anchor.Options{})

	tx, err := m.CreateAndSubmit(ctx, models.RecordCertificate, 2, sampleDigest(t, "c2"), "registrar")
	var serr *models.SubmissionError
	if !errors.As(err, &serr) {
		t.Fatalf("ожидали SubmissionError, получили %v", err)
	}
	if serr.TxID != tx.ID {
		t.Fatalf("ошибка должна нести id транзакции: %d != %d", serr.TxID, tx.ID)
	}

	got, err := db.GetTransactionByID(ctx, h.DB, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TxFailed {
		t.Fatalf("ожидали failed, получили %s", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason == "" {
		t.Fatal("ожидали записанную причину отказа")
	}
	// никаких тихих ретраев: одна попытка, реестр ничего не принял
	if n, _ := db.CountAttempts(ctx, h.DB, models.RecordCertificate, 2); n != 1 {
		t.Fatalf("ожидали ровно одну попытку, получили %d", n)
	}
	if stub.Submits() != 0 {
		t.Fatalf("реестр не должен был принять дайджест, принял %d", stub.Submits())
	}
}

func TestOnLedgerNotification_IdempotentConfirm(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	m := newManager(t, h, stub, anchor.Options{})

	tx, err := m.CreateAndSubmit(ctx, models.RecordCertificate, 3, sampleDigest(t, "c3"), "registrar")
	if err != nil {
		t.Fatal(err)
	}
	n := ledger.Notification{Ref: *tx.ExternalRef, Outcome: ledger.OutcomeConfirmed}

	if err := m.OnLedgerNotification(ctx, n); err != nil {
		t.Fatal(err)
	}
	first, err := db.GetTransactionByID(ctx, h.DB, tx.ID)
	if err != nil {
		t.Fatal(err)
	}

	// дубликат доставки — no-op, confirmed_at не меняется
	time.Sleep(20 * time.Millisecond)
	if err := m.OnLedgerNotification(ctx, n); err != nil {
		t.Fatal(err)
	}
	second, err := db.GetTransactionByID(ctx, h.DB, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != models.TxConfirmed {
		t.Fatalf("статус поменялся: %s", second.Status)
	}
	if !second.ConfirmedAt.Equal(*first.ConfirmedAt) {
		t.Fatalf("confirmed_at сдвинулся: %v → %v", first.ConfirmedAt, second.ConfirmedAt)
	}
}

func TestOnLedgerNotification_NoIllegalTransition(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	m := newManager(t, h, stub, anchor.Options{})

	tx, err := m.CreateAndSubmit(ctx, models.RecordGrade, 4, sampleDigest(t, "g4"), "teacher")
	if err != nil {
		t.Fatal(err)
	}
	ref := *tx.ExternalRef

	if err := m.OnLedgerNotification(ctx, ledger.Notification{Ref: ref, Outcome: ledger.OutcomeFailed, Details: "rejected"}); err != nil {
		t.Fatal(err)
	}

	// попытка подтвердить уже зафейленную — отбрасывается без ошибки
	if err := m.OnLedgerNotification(ctx, ledger.Notification{Ref: ref, Outcome: ledger.OutcomeConfirmed}); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetTransactionByID(ctx, h.DB, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TxFailed || got.ConfirmedAt != nil {
		t.Fatalf("терминальный статус нарушен: %+v", got)
	}
	if got.FailureReason == nil || *got.FailureReason != "rejected" {
		t.Fatalf("причина отказа потерялась: %+v", got.FailureReason)
	}
}

func TestOnLedgerNotification_ConcurrentDuplicates(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	m := newManager(t, h, stub, anchor.Options{})

	tx, err := m.CreateAndSubmit(ctx, models.RecordCertificate, 5, sampleDigest(t, "c5"), "registrar")
	if err != nil {
		t.Fatal(err)
	}
	n := ledger.Notification{Ref: *tx.ExternalRef, Outcome: ledger.OutcomeConfirmed}

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() { done <- m.OnLedgerNotification(ctx, n) }()
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.GetTransactionByID(ctx, h.DB, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TxConfirmed || got.ConfirmedAt == nil {
		t.Fatalf("конкурентные доставки сломали состояние: %+v", got)
	}
}

func TestSweepStale_FailsOnlyExpiredPending(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	m := newManager(t, h, stub, anchor.Options{ConfirmWindow: time.Minute})

	oldID, err := db.InsertTransaction(ctx, h.DB, models.Transaction{
		RecordType: models.RecordGrade, RecordID: 6, ContentHash: sampleDigest(t, "g6"),
		Initiator: "teacher", Attempt: 1, SubmittedAt: time.Now().UTC().Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	freshID, err := db.InsertTransaction(ctx, h.DB, models.Transaction{
		RecordType: models.RecordGrade, RecordID: 7, ContentHash: sampleDigest(t, "g7"),
		Initiator: "teacher", Attempt: 1, SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.SweepStale(ctx); err != nil {
		t.Fatal(err)
	}

	oldTx, _ := db.GetTransactionByID(ctx, h.DB, oldID)
	freshTx, _ := db.GetTransactionByID(ctx, h.DB, freshID)
	if oldTx.Status != models.TxFailed {
		t.Fatalf("просроченная должна зафейлиться, статус %s", oldTx.Status)
	}
	if freshTx.Status != models.TxPending {
		t.Fatalf("свежая не должна была пострадать, статус %s", freshTx.Status)
	}
}

func TestResubmit_BoundedAttempts(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	stub.FailSubmit = errors.New("ledger down")
	m := newManager(t, h, stub, anchor.Options{MaxAttempts: 2})

	if _, err := m.CreateAndSubmit(ctx, models.RecordCertificate, 8, sampleDigest(t, "c8"), "registrar"); err == nil {
		t.Fatal("ожидали ошибку отправки")
	}
	if _, err := m.Resubmit(ctx, models.RecordCertificate, 8, "registrar"); err == nil {
		t.Fatal("ожидали ошибку отправки на второй попытке")
	}
	_, err = m.Resubmit(ctx, models.RecordCertificate, 8, "registrar")
	if !errors.Is(err, models.ErrAttemptsExhausted) {
		t.Fatalf("ожидали ErrAttemptsExhausted, получили %v", err)
	}
	if n, _ := db.CountAttempts(ctx, h.DB, models.RecordCertificate, 8); n != 2 {
		t.Fatalf("ожидали 2 попытки, получили %d", n)
	}
}

func TestResubmit_ConcurrentCallsKeepBoundExact(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	stub.FailSubmit = errors.New("ledger down")
	m := newManager(t, h, stub, anchor.Options{MaxAttempts: 3})

	if _, err := m.CreateAndSubmit(ctx, models.RecordCertificate, 9, sampleDigest(t, "c9"), "registrar"); err == nil {
		t.Fatal("ожидали ошибку отправки")
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Resubmit(ctx, models.RecordCertificate, 9, "registrar")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var exhausted int
	for err := range errs {
		if errors.Is(err, models.ErrAttemptsExhausted) {
			exhausted++
		}
	}
	if exhausted == 0 {
		t.Fatal("часть конкурентных повторов должна упереться в лимит")
	}
	// лимит точный: гонка повторов не добавляет лишних строк
	if n, _ := db.CountAttempts(ctx, h.DB, models.RecordCertificate, 9); n != 3 {
		t.Fatalf("ожидали ровно 3 попытки, получили %d", n)
	}
}

func TestResubmit_RefusedForPendingAndConfirmed(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	m := newManager(t, h, stub, anchor.Options{})

	tx, err := m.CreateAndSubmit(ctx, models.RecordCertificate, 10, sampleDigest(t, "c10"), "registrar")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resubmit(ctx, models.RecordCertificate, 10, "registrar"); !errors.Is(err, models.ErrResubmitRefused) {
		t.Fatalf("повтор при pending должен давать ErrResubmitRefused, получили %v", err)
	}

	if err := m.OnLedgerNotification(ctx, ledger.Notification{Ref: *tx.ExternalRef, Outcome: ledger.OutcomeConfirmed}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resubmit(ctx, models.RecordCertificate, 10, "registrar"); !errors.Is(err, models.ErrResubmitRefused) {
		t.Fatalf("повтор после подтверждения должен давать ErrResubmitRefused, получили %v", err)
	}
}

func TestAnchorGrade_HashStampedOnce(t *testing.T) {
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	stub := ledger.NewStubClient()
	m := newManager(t, h, stub, anchor.Options{})

	score := decimal.NewFromFloat(91.5)
	rm := models.RemarksPassed
	gradeID, err := db.InsertGrade(ctx, h.DB, models.Grade{
		StudentID: 100, ClassSubjectID: 1, PeriodID: 1,
		Final: &score, FinalRating: &score, Remarks: &rm,
	})
	if err != nil {
		t.Fatal(err)
	}

	g, err := db.GetGradeByID(ctx, h.DB, gradeID)
	if err != nil {
		t.Fatal(err)
	}
	tx1, err := m.Anchor(ctx, anchor.AnchorRequest{
		RecordType: models.RecordGrade, RecordID: gradeID,
		Payload: canonical.GradePayloadFrom(*g), Initiator: "teacher",
	})
	if err != nil {
		t.Fatal(err)
	}

	stamped, err := db.GetGradeByID(ctx, h.DB, gradeID)
	if err != nil {
		t.Fatal(err)
	}
	if stamped.AnchoredHash == nil || *stamped.AnchoredHash != tx1.ContentHash {
		t.Fatalf("якорный хеш не совпал со снимком: %v != %s", stamped.AnchoredHash, tx1.ContentHash)
	}

	// повторное якорение — новая транзакция, но снимок хеша не меняется
	if _, err := m.Anchor(ctx, anchor.AnchorRequest{
		RecordType: models.RecordGrade, RecordID: gradeID,
		Payload: canonical.GradePayloadFrom(*stamped), Initiator: "teacher",
	}); err != nil {
		t.Fatal(err)
	}
	again, err := db.GetGradeByID(ctx, h.DB, gradeID)
	if err != nil {
		t.Fatal(err)
	}
	if *again.AnchoredHash != *stamped.AnchoredHash {
		t.Fatal("повторное якорение не должно менять снимок хеша")
	}
	if n, _ := db.CountAttempts(ctx, h.DB, models.RecordGrade, gradeID); n != 2 {
		t.Fatalf("ожидали 2 транзакции по записи, получили %d", n)
	}
}
