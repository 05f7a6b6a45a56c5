package supervisor

import (
	"context"

	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/restart"
)

// Rerun is returned to whoever restarted an execution. It is resolved once the
// execution ran again on a fresh platform.
type Rerun struct {
	reason  string
	done    chan struct{}
	outcome model.Outcome
	err     error
}

// NewRestartSource is a shorthand for restart.NewSource[*Rerun]
func NewRestartSource() *restart.Source[*Rerun] {
	return restart.NewSource[*Rerun]()
}

func newRerun(reason string) *Rerun {
	return &Rerun{
		reason: reason,
		done:   make(chan struct{}),
	}
}

func (r *Rerun) Reason() string {
	return r.reason
}

func (r *Rerun) Done() <-chan struct{} {
	return r.done
}

func (r *Rerun) resolve(outcome model.Outcome, err error) {
	r.outcome = outcome
	r.err = err
	close(r.done)
}

// Wait returns the outcome of the new execution
func (r *Rerun) Wait(ctx context.Context) (model.Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, r.err
	case <-ctx.Done():
		return model.Outcome{}, ctx.Err()
	}
}
