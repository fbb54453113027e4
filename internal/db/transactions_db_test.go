//go:build testutil
// +build testutil

package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Spok95/school-ledger/internal/db"
	"github.com/Spok95/school-ledger/internal/models"
	"github.com/Spok95/school-ledger/internal/testutil/testdb"
)

func newTx(attempt int) models.Transaction {
	return models.Transaction{
		RecordType:  models.RecordGrade,
		RecordID:    1,
		ContentHash: "deadbeef",
		Initiator:   "tester",
		Attempt:     attempt,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestConfirmTransaction_CASOnce(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	id, err := db.InsertTransaction(ctx, h.DB, newTx(1))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := db.ConfirmTransaction(ctx, h.DB, id, time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("первое подтверждение должно пройти: ok=%v err=%v", ok, err)
	}
	// повторное подтверждение — guard по статусу, false без ошибки
	ok, err = db.ConfirmTransaction(ctx, h.DB, id, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("повторное подтверждение не должно менять строку")
	}
	// забраковать подтверждённую тоже нельзя
	ok, err = db.FailTransaction(ctx, h.DB, id, "late failure")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("confirmed→failed запрещён")
	}

	got, err := db.GetTransactionByID(ctx, h.DB, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TxConfirmed || got.ConfirmedAt == nil {
		t.Fatalf("ожидали confirmed с отметкой времени, получили %+v", got)
	}
}

func TestSetExternalRef_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	id, err := db.InsertTransaction(ctx, h.DB, newTx(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetExternalRef(ctx, h.DB, id, "ref-first"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetExternalRef(ctx, h.DB, id, "ref-second"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetTransactionByExternalRef(ctx, h.DB, "ref-first")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != id {
		t.Fatalf("ожидали транзакцию %d по первому ref, получили %d", id, got.ID)
	}
	if _, err := db.GetTransactionByExternalRef(ctx, h.DB, "ref-second"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("второй ref не должен привязаться: %v", err)
	}
}

func TestFailTransactionsBatch_SkipsConfirmed(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	var ids []int64
	for i := 1; i <= 3; i++ {
		id, err := db.InsertTransaction(ctx, h.DB, newTx(i))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	// одна успела подтвердиться между выборкой и фейлом
	if ok, err := db.ConfirmTransaction(ctx, h.DB, ids[1], time.Now().UTC()); err != nil || !ok {
		t.Fatalf("подготовка: ok=%v err=%v", ok, err)
	}

	n, err := db.FailTransactionsBatch(ctx, h.DB, ids, "timeout: no confirmation within 30m")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("ожидали 2 зафейленных, получили %d", n)
	}
	got, err := db.GetTransactionByID(ctx, h.DB, ids[1])
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TxConfirmed {
		t.Fatalf("подтверждённая строка не должна фейлиться: %s", got.Status)
	}
}

func TestLatestTransactionForRecord(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	for i := 1; i <= 3; i++ {
		if _, err := db.InsertTransaction(ctx, h.DB, newTx(i)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.LatestTransactionForRecord(ctx, h.DB, models.RecordGrade, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempt != 3 {
		t.Fatalf("ожидали последнюю попытку 3, получили %d", got.Attempt)
	}
	n, err := db.CountAttempts(ctx, h.DB, models.RecordGrade, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("ожидали 3 попытки, получили %d", n)
	}
}
