// Package store records one row per gateway request: usage on success and
// the error kind on failure.
package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type Record struct {
	RequestID     string
	AccountID     string
	Backend       string
	Model         string
	UpstreamModel string
	Stream        bool
	Status        int
	StopReason    string
	ErrorKind     string
	ErrorMessage  string
	InputTokens   int64
	OutputTokens  int64
	CacheRead     int64
	CacheCreation int64
	Latency       time.Duration
	Fallback      bool
}

type Sink interface {
	Record(ctx context.Context, r Record) error
}

// LogSink writes records to the structured log.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Record(_ context.Context, r Record) error {
	entry := s.Log.WithFields(logrus.Fields{
		"request_id":     r.RequestID,
		"account":        r.AccountID,
		"backend":        r.Backend,
		"model":          r.Model,
		"upstream_model": r.UpstreamModel,
		"stream":         r.Stream,
		"status":         r.Status,
		"latency_ms":     r.Latency.Milliseconds(),
		"input_tokens":   r.InputTokens,
		"output_tokens":  r.OutputTokens,
	})
	if r.StopReason != "" {
		entry = entry.WithField("stop_reason", r.StopReason)
	}
	if r.Fallback {
		entry = entry.WithField("fallback", true)
	}
	if r.ErrorKind != "" {
		entry.WithField("error_kind", r.ErrorKind).Warn(r.ErrorMessage)
		return nil
	}
	entry.Info("request completed")
	return nil
}

// Multi fans a record out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Record(ctx context.Context, r Record) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
