package anchor

import "sync"

// recordLimiter сериализует явные повторы по одной логической записи:
// проверка лимита попыток и вставка новой строки идут под одним локом,
// поэтому лимит не перепрыгивается гонкой двух Resubmit. Разные записи
// друг другу не мешают.
type recordLimiter struct {
	mu    sync.Mutex
	byKey map[string]*sync.Mutex
}

func newRecordLimiter() *recordLimiter {
	return &recordLimiter{byKey: make(map[string]*sync.Mutex)}
}

func (l *recordLimiter) lock(key string) func() {
	l.mu.Lock()
	m, ok := l.byKey[key]
	if !ok {
		m = &sync.Mutex{}
		l.byKey[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return func() { m.Unlock() }
}
