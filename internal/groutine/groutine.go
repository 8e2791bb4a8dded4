// Package groutine spawns named goroutines. Names show up as pprof labels,
// which makes goroutine dumps of a long-running peripheral readable, and every
// goroutine is recovered so a panicking helper cannot take the process down
// silently.
package groutine

import (
	"context"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labeled with name. A nil parent context is
// replaced with context.Background(). Panics inside fn are recovered and
// logged through logger together with the goroutine name; pass nil to skip
// panic logging (the panic is still swallowed).
func Go(parentCtx context.Context, logger logrus.FieldLogger, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
				}).Error("goroutine panicked")
			}
		}()
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the name the goroutine was started with, or "" if the context
// did not come from Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(nameKey).(string); ok {
		return v
	}
	return ""
}
