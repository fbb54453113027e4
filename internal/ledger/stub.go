package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// StubClient — локальный реестр для dev-режима и тестов: подтверждает всё,
// что ему отправили, на следующем Poll. Поведение настраивается, в том числе
// дубликаты доставки и синхронный отказ Submit.
type StubClient struct {
	mu      sync.Mutex
	pending []Notification
	submits int

	// FailSubmit — каждый Submit завершится этой ошибкой (без записи исхода).
	FailSubmit error
	// Outcome для новых submit'ов; по умолчанию confirmed.
	Outcome Outcome
	// Details для исхода failed.
	Details string
	// DeliverTwice — каждый исход кладётся в очередь дважды (имитация at-least-once).
	DeliverTwice bool
}

func NewStubClient() *StubClient { return &StubClient{Outcome: OutcomeConfirmed} }

func (s *StubClient) Submit(_ context.Context, digest string, _ SubmitMeta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSubmit != nil {
		return "", s.FailSubmit
	}
	if digest == "" {
		return "", errors.New("stub: empty digest")
	}
	s.submits++
	ref := "stub-" + uuid.NewString()
	n := Notification{Ref: ref, Outcome: s.Outcome, Details: s.Details}
	s.pending = append(s.pending, n)
	if s.DeliverTwice {
		s.pending = append(s.pending, n)
	}
	return ref, nil
}

func (s *StubClient) Poll(_ context.Context, refs []string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(refs) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(refs))
	for _, r := range refs {
		want[r] = true
	}
	var out []Notification
	rest := s.pending[:0]
	for _, n := range s.pending {
		if want[n.Ref] {
			out = append(out, n)
		} else {
			rest = append(rest, n)
		}
	}
	s.pending = rest
	return out, nil
}

// Submits — сколько раз реестр принял дайджест (для проверки "без тихих ретраев").
func (s *StubClient) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}
