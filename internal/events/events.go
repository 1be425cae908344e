// Package events emits the machine-readable job event stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type Kind string

const (
	KindTick  Kind = "tick"
	KindStart Kind = "start"
	KindClaim Kind = "claim"
	KindDefer Kind = "defer"
	KindStage Kind = "stage"
	KindError Kind = "error"
	KindDone  Kind = "done"
	KindFatal Kind = "fatal"
)

type Event struct {
	Time      time.Time      `json:"time"`
	Kind      Kind           `json:"kind"`
	WorkerID  string         `json:"worker_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Token     string         `json:"token,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Status    string         `json:"status,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Message   string         `json:"message,omitempty"`
	Score     *int           `json:"score,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink receives events. Emit never fails the caller; sinks report their own errors.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

type multi []Sink

// Multi fans an event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Nop discards events.
var Nop Sink = multi(nil)

// LogSink writes one JSON object per event.
type LogSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	log *slog.Logger
}

func NewLogSink(w io.Writer, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{enc: json.NewEncoder(w), log: logger}
}

func (s *LogSink) Emit(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		s.log.Error("events.write.failed", "kind", e.Kind, "error", err)
	}
}

// SlogSink forwards events to a structured logger, one record per event.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, e Event) {
	level := slog.LevelInfo
	switch e.Kind {
	case KindError:
		level = slog.LevelWarn
	case KindFatal:
		level = slog.LevelError
	case KindStage, KindTick:
		level = slog.LevelDebug
	}
	attrs := []any{"token", e.Token, "subject_id", e.SubjectID}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	if e.Status != "" {
		attrs = append(attrs, "status", e.Status)
	}
	if e.ErrorKind != "" {
		attrs = append(attrs, "error_kind", e.ErrorKind)
	}
	if e.Score != nil {
		attrs = append(attrs, "score", *e.Score)
	}
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, level, "job."+string(e.Kind)+" "+e.Message, attrs...)
}

// NATSSink publishes events on "<prefix>.<kind>".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

func NewNATSSink(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the NATS subject an event of kind k is published on.
func (s *NATSSink) Subject(k Kind) string {
	return fmt.Sprintf("%s.%s", s.prefix, k)
}

func (s *NATSSink) Emit(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("events.marshal.failed", "kind", e.Kind, "error", err)
		return
	}
	if err := s.nc.Publish(s.Subject(e.Kind), data); err != nil {
		s.logger.Error("events.publish.failed", "kind", e.Kind, "error", err)
	}
}
