package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound — сертификат/запись/транзакция не найдены; состояние не меняем.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict — попытка перевести транзакцию из терминального
	// статуса. Дубликат или опоздавшее событие: логируем и отбрасываем,
	// наружу как ошибка не отдаём.
	ErrConcurrencyConflict = errors.New("transition out of terminal status")

	// ErrAttemptsExhausted — исчерпан лимит попыток якорения для записи.
	ErrAttemptsExhausted = errors.New("anchor attempts exhausted")

	// ErrResubmitRefused — повтор не разрешён: последняя попытка ещё pending
	// либо запись уже подтверждена.
	ErrResubmitRefused = errors.New("resubmit not allowed")

	// ErrGenerationExhausted — не удалось подобрать уникальный номер сертификата.
	ErrGenerationExhausted = errors.New("certificate number generation exhausted")
)

// SubmissionError — синхронный отказ внешнего реестра при отправке.
// Транзакция уже помечена failed; повтор — только явный Resubmit.
type SubmissionError struct {
	TxID int64
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("ledger submit failed (tx %d): %v", e.TxID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ValidationError — некорректный вход; отклоняем до вычисления хеша
// и до создания транзакции.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Reason, e.Err)
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }
