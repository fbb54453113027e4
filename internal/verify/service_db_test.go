//go:build testutil
// +build testutil

package verify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-ledger/internal/anchor"
	"github.com/Spok95/school-ledger/internal/db"
	"github.com/Spok95/school-ledger/internal/issue"
	"github.com/Spok95/school-ledger/internal/ledger"
	"github.com/Spok95/school-ledger/internal/models"
	"github.com/Spok95/school-ledger/internal/testutil/testdb"
	"github.com/Spok95/school-ledger/internal/verify"
)

type fixture struct {
	h        *testdb.DBHandle
	issuer   *issue.Issuer
	verifier *verify.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	h, err := testdb.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)

	sugar := zap.NewNop().Sugar()
	m := anchor.NewManager(h.DB, ledger.NewStubClient(), sugar, anchor.Options{})
	return &fixture{
		h:        h,
		issuer:   issue.NewIssuer(h.DB, m, sugar),
		verifier: verify.NewService(h.DB, sugar),
	}
}

func issueSample(t *testing.T, f *fixture) *models.Certificate {
	t.Helper()
	cert, err := f.issuer.Issue(context.Background(), issue.IssueRequest{
		Title:      "Certificate of Completion",
		Type:       models.CertCompletion,
		StudentID:  100,
		IssuedBy:   "registrar",
		DateIssued: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestVerify_FreshCertificateMatches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cert := issueSample(t, f)

	res, err := f.verifier.Verify(ctx, cert.Number, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IntegrityVerified {
		t.Fatal("свежевыданный сертификат должен проходить проверку")
	}
	if res.Record.RecomputedHash != cert.AnchoredHash {
		t.Fatalf("пересчитанный хеш не совпал: %s != %s", res.Record.RecomputedHash, cert.AnchoredHash)
	}
	if res.Record.Verifier != models.DefaultVerifier {
		t.Fatalf("пустая личность проверяющего должна становиться %q, получили %q",
			models.DefaultVerifier, res.Record.Verifier)
	}
}

func TestVerify_TamperedTitleDetected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cert := issueSample(t, f)

	// имитация подмены: правим заголовок прямо в таблице
	if _, err := f.h.DB.ExecContext(ctx,
		`UPDATE certificates SET title = 'Certificate of Distinction' WHERE number = $1`,
		cert.Number); err != nil {
		t.Fatal(err)
	}

	res, err := f.verifier.Verify(ctx, cert.Number, "auditor")
	if err != nil {
		t.Fatalf("несовпадение — не ошибка, а результат; получили %v", err)
	}
	if res.IntegrityVerified {
		t.Fatal("подмена заголовка не обнаружена")
	}
	if res.Record.RecomputedHash == cert.AnchoredHash {
		t.Fatal("пересчитанный хеш обязан отличаться от якорного")
	}

	recs, err := f.verifier.History(ctx, cert.Number, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].IntegrityVerified {
		t.Fatalf("ожидали одну запись о расхождении, получили %+v", recs)
	}
}

func TestVerify_UncanonicalPayloadStillJournaled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cert := issueSample(t, f)

	// подмена в рамках ограничений схемы: NOT NULL пропускает пустую строку,
	// но канонизация такие данные отвергает
	if _, err := f.h.DB.ExecContext(ctx,
		`UPDATE certificates SET title = '' WHERE number = $1`, cert.Number); err != nil {
		t.Fatal(err)
	}

	res, err := f.verifier.Verify(ctx, cert.Number, "auditor")
	if err != nil {
		t.Fatalf("неканонизируемая строка — это несовпадение, а не ошибка; получили %v", err)
	}
	if res.IntegrityVerified {
		t.Fatal("подмена с пустым заголовком не обнаружена")
	}
	if res.Record.RecomputedHash == cert.AnchoredHash {
		t.Fatal("записанный хеш обязан отличаться от якорного")
	}

	recs, err := f.verifier.History(ctx, cert.Number, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].IntegrityVerified {
		t.Fatalf("ожидали одну запись о расхождении, получили %+v", recs)
	}
}

func TestVerify_UnknownNumberWritesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.verifier.Verify(ctx, "CERT-2024-DEADBEEF", "")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}

	var n int
	if err := f.h.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verification_records`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("по неизвестному номеру журнал должен остаться пустым, записей %d", n)
	}
}

// Чистота проверки: сколько бы раз её ни звали, якорный хеш и транзакции
// не меняются, растёт только журнал.
func TestVerify_PureExceptJournal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cert := issueSample(t, f)

	txBefore, err := db.ListTransactions(ctx, f.h.DB, db.TxFilter{})
	if err != nil {
		t.Fatal(err)
	}

	const calls = 25
	done := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := f.verifier.Verify(ctx, cert.Number, "")
			done <- err
		}()
	}
	for i := 0; i < calls; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	after, err := db.GetCertificateByNumber(ctx, f.h.DB, cert.Number)
	if err != nil {
		t.Fatal(err)
	}
	if after.AnchoredHash != cert.AnchoredHash {
		t.Fatal("якорный хеш изменился от проверок")
	}
	txAfter, err := db.ListTransactions(ctx, f.h.DB, db.TxFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txAfter) != len(txBefore) {
		t.Fatalf("проверки не должны плодить транзакции: %d → %d", len(txBefore), len(txAfter))
	}
	recs, err := f.verifier.History(ctx, cert.Number, calls+10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != calls {
		t.Fatalf("ожидали %d записей журнала, получили %d", calls, len(recs))
	}
}
