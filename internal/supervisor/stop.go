package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/platform"
)

// stopper runs the graceful-then-forced shutdown of a platform at most once.
// Cancellation, restart and stopOnceExecuted may all ask for it.
type stopper struct {
	p            platform.Platform
	platformType string
	grace        time.Duration
	once         sync.Once
	done         chan struct{}
	err          error
}

func newStopper(p platform.Platform, platformType string, grace time.Duration) *stopper {
	return &stopper{
		p:            p,
		platformType: platformType,
		grace:        grace,
		done:         make(chan struct{}),
	}
}

// stop blocks until the platform closed, errored or was force stopped
func (st *stopper) stop(ctx context.Context, reason string) error {
	st.once.Do(func() {
		st.err = st.doStop(ctx, reason)
		close(st.done)
	})
	<-st.done
	return st.err
}

func (st *stopper) doStop(ctx context.Context, reason string) error {
	p := st.p
	select {
	case <-p.Closed():
		return nil
	case <-p.Errored():
		return nil
	default:
	}

	slog.DebugContext(ctx, "closing platform", "reason", reason)
	if err := p.Close(reason); err != nil {
		slog.WarnContext(ctx, "closing platform failed", "reason", reason, "error", err)
	}

	timer := time.NewTimer(st.grace)
	defer timer.Stop()
	select {
	case <-p.Closed():
		slog.DebugContext(ctx, "platform closed")
		return nil
	case <-p.Errored():
		slog.DebugContext(ctx, "platform errored while closing", "error", p.Err())
		return nil
	case <-timer.C:
	}

	timeoutErr := &model.PlatformCloseTimeoutError{PlatformType: st.platformType, After: st.grace}
	slog.WarnContext(ctx, "platform did not close in time", "error", timeoutErr)
	if err := p.CloseForce(); err != nil {
		return errors.Join(timeoutErr, fmt.Errorf("force stop: %w", err))
	}
	return nil
}
