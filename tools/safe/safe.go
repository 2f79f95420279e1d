package safe

import (
	"context"

	"SHProject/logger"
	"SHProject/tools/errs"
)

// Go starts a new goroutine that recovers from panic,
// so a single misbehaving loop cannot take the gateway down.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] %s panic recovered: %+v", name, errs.ErrPanic(r))
			}
		}()
		f()
	}()
}

// GoCtx is Go with a context handed to the body; the body is expected
// to return when ctx is done.
func GoCtx(ctx context.Context, name string, f func(ctx context.Context)) {
	Go(name, func() { f(ctx) })
}
