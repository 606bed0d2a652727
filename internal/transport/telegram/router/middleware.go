package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
	"github.com/BruceKZ/cfreminder-bot/pkg/tgui"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

const textInternalError = "⚠️ Something went wrong while handling that command."

// slowCommand is the duration above which a successful command logs at info.
const slowCommand = 750 * time.Millisecond

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error and tells the user the
// command failed.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reqLog(log, req).Error("command panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
				if req != nil && req.sender != nil {
					_ = req.Reply(context.WithoutCancel(ctx), tgui.Esc(textInternalError))
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			l := reqLog(log, req)
			fields := []logx.Field{logx.Duration("dur", time.Since(start)), logx.Int("args", len(req.Args))}
			switch {
			case err != nil:
				l.Warn("command failed", append(fields, logx.Err(err))...)
			case time.Since(start) >= slowCommand:
				l.Info("command handled (slow)", fields...)
			default:
				l.Debug("command handled", fields...)
			}
			return err
		}
	}
}

func reqLog(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}
