package export

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/Spok95/school-ledger/internal/models"
)

var txHeader = []string{
	"ID", "Тип записи", "ID записи", "Хеш", "Статус", "Внешний ref",
	"Инициатор", "Попытка", "Причина отказа", "Отправлена", "Подтверждена", "Длительность",
}

type TransactionsWorkbook struct {
	File *excelize.File
}

// NewTransactionsWorkbook — журнал транзакций для аудита, одна строка на транзакцию.
func NewTransactionsWorkbook(txs []models.Transaction) (*TransactionsWorkbook, error) {
	f := excelize.NewFile()
	const sheet = "Транзакции"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	bold, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	for col, h := range txHeader {
		cell := fmt.Sprintf("%s1", colName(col+1))
		if err := f.SetCellStr(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("set cell %s: %w", cell, err)
		}
	}
	end := colName(len(txHeader)) + "1"
	_ = f.SetCellStyle(sheet, "A1", end, bold)
	_ = f.AutoFilter(sheet, "A1:"+end, nil)

	for r, t := range txs {
		row := txRow(t)
		for c, val := range row {
			cell := fmt.Sprintf("%s%d", colName(c+1), r+2)
			if err := f.SetCellStr(sheet, cell, val); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}

	// эвристическая ширина: по длине заголовка и первых строк
	for c := 1; c <= len(txHeader); c++ {
		maxim := len(txHeader[c-1])
		for r := 0; r < minim(50, len(txs)); r++ {
			if l := len(txRow(txs[r])[c-1]); l > maxim {
				maxim = l
			}
		}
		w := float64(maxim) * 0.9
		if w < 12 {
			w = 12
		}
		if w > 40 {
			w = 40
		}
		_ = f.SetColWidth(sheet, colName(c), colName(c), w)
	}

	return &TransactionsWorkbook{File: f}, nil
}

func txRow(t models.Transaction) []string {
	ref, reason, confirmed := "", "", ""
	if t.ExternalRef != nil {
		ref = *t.ExternalRef
	}
	if t.FailureReason != nil {
		reason = *t.FailureReason
	}
	if t.ConfirmedAt != nil {
		confirmed = t.ConfirmedAt.UTC().Format("2006-01-02 15:04:05")
	}
	return []string{
		strconv.FormatInt(t.ID, 10),
		string(t.RecordType),
		strconv.FormatInt(t.RecordID, 10),
		t.ContentHash,
		string(t.Status),
		ref,
		t.Initiator,
		strconv.Itoa(t.Attempt),
		reason,
		t.SubmittedAt.UTC().Format("2006-01-02 15:04:05"),
		confirmed,
		t.ProcessingDuration(),
	}
}

// helpers
func colName(n int) string {
	s := ""
	for n > 0 {
		n--
		s = string(rune('A'+(n%26))) + s
		n /= 26
	}
	return s
}

func minim(a, b int) int {
	if a < b {
		return a
	}
	return b
}
