package issue

import "sync"

// numberLimiter сериализует работу вокруг одного кандидата номера:
// проверка уникальности и вставка для разных номеров идут параллельно,
// конкурентные выдачи друг другу не мешают.
type numberLimiter struct {
	mu   sync.Mutex
	byID map[string]*sync.Mutex
}

func newNumberLimiter() *numberLimiter {
	return &numberLimiter{byID: make(map[string]*sync.Mutex)}
}

func (l *numberLimiter) lock(number string) func() {
	l.mu.Lock()
	m, ok := l.byID[number]
	if !ok {
		m = &sync.Mutex{}
		l.byID[number] = m
	}
	l.mu.Unlock()

	m.Lock()
	return func() { m.Unlock() }
}
