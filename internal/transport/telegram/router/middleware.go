package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/trishtzy/weatherbot/pkg/logx"
)

// ErrHandlerPanic wraps a panic raised inside a command handler.
var ErrHandlerPanic = errors.New("router: handler panicked")

const failureReply = "Sorry, something went wrong. Try again later."

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost layer.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// WithDeadline bounds a handler. Slow upstream calls see ctx expire.
func WithDeadline(d time.Duration) Middleware {
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

// WithRecover turns a handler panic into ErrHandlerPanic.
func WithRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// WithFailureReply answers the chat when a handler returns an error without
// having replied itself. Handlers that already told the user what failed
// return nil.
func WithFailureReply() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil || req.replied.Load() {
				return err
			}
			// The handler ctx may be the one that expired.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if rerr := req.Reply(rctx, failureReply); rerr != nil {
				req.Logger.Debug("failure reply not sent", logx.Err(rerr))
			}
			return err
		}
	}
}

// WithRequestLog logs one line per command. Slow commands log at info.
func WithRequestLog(slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			fields := []logx.Field{
				logx.Int64("from_id", req.FromID),
				logx.Int("args", len(req.Args)),
				logx.Duration("took", took),
			}
			switch {
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slow:
				req.Logger.Info("command slow", fields...)
			default:
				req.Logger.Debug("command ok", fields...)
			}
			return err
		}
	}
}
