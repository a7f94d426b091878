package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"presencebot/internal/transport"
	logx "presencebot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs each request outcome. A failed handler also gets a
// generic reply so the user is never left without an answer.
func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []logx.Field{
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int("thread_id", req.Chat.ThreadID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				req.Log.Warn("request failed", append(fields, logx.Err(err))...)
				req.ReplyText(context.WithoutCancel(ctx), "Something went wrong. Please try again later.")
				return err
			}
			req.Log.Info("request ok", fields...)
			return nil
		}
	}
}

// MWAccess refuses a group request from a non-admin when access requires
// chat admin rights. A failed admin lookup is treated as a refusal.
func MWAccess(access Access, admins transport.ChatAdminChecker) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if access != AccessChatAdmin || !req.IsGroup {
				return next(ctx, req)
			}
			ok := false
			if admins != nil {
				var err error
				ok, err = admins.IsChatAdmin(ctx, req.Chat.ChatID, req.FromID)
				if err != nil {
					req.Log.Warn("admin lookup failed", logx.Err(err))
				}
			}
			if !ok {
				req.Log.Info("request refused: not a chat admin")
				req.ReplyText(ctx, fmt.Sprintf("Only chat admins can use /%s here.", req.Command))
				return nil
			}
			return next(ctx, req)
		}
	}
}
