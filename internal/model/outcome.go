package model

import (
	"log/slog"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/coverage"
)

type Status string

const (
	StatusCompleted    Status = "completed"
	StatusErrored      Status = "errored"
	StatusDisconnected Status = "disconnected"
	StatusTimedout     Status = "timedout"
	StatusAborted      Status = "aborted"
)

// Failed reports statuses, which are user visible failures. Aborted is not
// one of them, it is a consequence of a cancellation.
func (s Status) Failed() bool {
	switch s {
	case StatusErrored, StatusDisconnected, StatusTimedout:
		return true
	default:
		return false
	}
}

// Outcome is the result of executing one file on one platform instance.
// Exactly one Status is produced per attempt.
type Outcome struct {
	Status   Status
	Value    any
	Error    error
	Reason   string // aborted only
	Coverage coverage.Map
	Platform string
	File     string
	Started  time.Time
	Stopped  time.Time
}

func Completed(value any, cov coverage.Map) Outcome {
	return Outcome{Status: StatusCompleted, Value: value, Coverage: cov}
}

func Errored(err error) Outcome {
	return Outcome{Status: StatusErrored, Error: err}
}

func Disconnected(err error) Outcome {
	return Outcome{Status: StatusDisconnected, Error: err}
}

func Timedout(err error) Outcome {
	return Outcome{Status: StatusTimedout, Error: err}
}

func Aborted(reason string) Outcome {
	return Outcome{Status: StatusAborted, Reason: reason}
}

func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("status", string(o.Status)),
		slog.String("platform", o.Platform),
		slog.String("file", o.File),
	}
	if o.Error != nil {
		attrs = append(attrs, slog.String("error", o.Error.Error()))
	}
	if o.Reason != "" {
		attrs = append(attrs, slog.String("reason", o.Reason))
	}
	if !o.Started.IsZero() && !o.Stopped.IsZero() {
		attrs = append(attrs, slog.Duration("duration", o.Stopped.Sub(o.Started)))
	}
	return slog.GroupValue(attrs...)
}
