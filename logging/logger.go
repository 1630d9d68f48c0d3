// Package logging provides the structured logging conventions shared by
// every engine component: a leveled logrus base logger plus a fluent
// context builder that keeps channel/message/stage identifiers attached
// across a call chain.
package logging

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors the subset of logrus levels the engine configures
// explicitly; kept as a distinct type so callers don't import logrus just
// to pick a level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls base logger construction.
type Config struct {
	Level     Level
	Format    string // "json" or "text"
	Service   string
	AddCaller bool
}

func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: "text", Service: "channel-engine"}
}

// New builds a configured *logrus.Logger.
func New(cfg Config) *logrus.Logger {
	l := logrus.New()
	switch cfg.Level {
	case LevelDebug:
		l.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		l.SetLevel(logrus.WarnLevel)
	case LevelError:
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	l.SetReportCaller(cfg.AddCaller)
	return l
}

// Context is a fluent, immutable field accumulator. Each With* call returns
// a new Context so a base logger can be safely shared across goroutines
// while each pipeline stage attaches its own fields.
type Context struct {
	logger *logrus.Logger
	fields logrus.Fields
}

func NewContext(logger *logrus.Logger, fields map[string]interface{}) *Context {
	f := make(logrus.Fields, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	return &Context{logger: logger, fields: f}
}

func (c *Context) with(fields map[string]interface{}) *Context {
	nf := make(logrus.Fields, len(c.fields)+len(fields))
	for k, v := range c.fields {
		nf[k] = v
	}
	for k, v := range fields {
		nf[k] = v
	}
	return &Context{logger: c.logger, fields: nf}
}

func (c *Context) WithField(key string, value interface{}) *Context {
	return c.with(map[string]interface{}{key: value})
}

func (c *Context) WithFields(fields map[string]interface{}) *Context { return c.with(fields) }

func (c *Context) WithError(err error) *Context {
	return c.with(map[string]interface{}{"error": err.Error()})
}

// ForChannel scopes a context to a channel/message pair, the identifiers
// almost every pipeline log line needs.
func (c *Context) ForChannel(channelID string, messageID int64) *Context {
	return c.with(map[string]interface{}{"channel_id": channelID, "message_id": messageID})
}

func (c *Context) Debug(msg string) { c.logger.WithFields(c.fields).Debug(msg) }
func (c *Context) Info(msg string)  { c.logger.WithFields(c.fields).Info(msg) }
func (c *Context) Warn(msg string)  { c.logger.WithFields(c.fields).Warn(msg) }
func (c *Context) Error(msg string) { c.logger.WithFields(c.fields).Error(msg) }

// Stage times a pipeline stage and logs its outcome.
func Stage(c *Context, stage string, fn func() error) error {
	start := time.Now()
	entry := c.WithField("stage", stage)
	err := fn()
	d := time.Since(start)
	entry = entry.WithFields(map[string]interface{}{"duration_ms": d.Milliseconds()})
	if err != nil {
		entry.WithError(err).Error("stage failed")
		return err
	}
	entry.Info("stage completed")
	return nil
}

// RecoverPanic logs a recovered panic with a stack trace; deferred at the
// top of every worker goroutine so one message's panic cannot silently
// kill a channel's worker pool.
func RecoverPanic(c *Context) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		c.WithFields(map[string]interface{}{
			"panic":      fmt.Sprintf("%v", r),
			"stacktrace": string(buf[:n]),
		}).Error("panic recovered in worker")
	}
}

type ctxKey struct{}

// WithRequestID stashes a request/trace id on a context.Context so
// FromContext can surface it as a log field without threading it through
// every function signature.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context, c *Context) *Context {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return c.WithField("request_id", id)
	}
	return c
}
