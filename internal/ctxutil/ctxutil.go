package ctxutil

import (
	"context"
	"time"
)

// приватные ключи, чтобы исключить коллизии
type key int

const (
	keyTxID key = iota
	keyInitiator
	keyOpName
)

// WithTxID /TxID — id транзакции якорения для корреляции логов.
func WithTxID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, keyTxID, id)
}

func TxID(ctx context.Context) (int64, bool) {
	v := ctx.Value(keyTxID)
	if v == nil {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// WithInitiator /Initiator — кто инициировал операцию.
func WithInitiator(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, keyInitiator, who)
}

func Initiator(ctx context.Context) (string, bool) {
	v := ctx.Value(keyInitiator)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// WithOp /Op — имя операции (для логов/трейса).
func WithOp(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyOpName, name)
}

func Op(ctx context.Context) (string, bool) {
	v := ctx.Value(keyOpName)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Таймауты: пока константа; при желании позже сделаем из ENV/конфига.
var DefaultDBTimeout = 5 * time.Second

// WithDBTimeout — стандартный таймаут для БД; не удлиняет родительский дедлайн.
func WithDBTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := parent.Deadline(); ok {
		if remain := time.Until(dl); remain < DefaultDBTimeout {
			return context.WithTimeout(parent, remain)
		}
	}
	return context.WithTimeout(parent, DefaultDBTimeout)
}
