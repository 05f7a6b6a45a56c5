package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/jsexec/internal/model"
)

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	sj, err := cfgp.Job()
	if err != nil {
		return nil, fmt.Errorf("parsing service.schedule: %w", err)
	}
	var job gocron.JobDefinition
	if sj.Cron != "" {
		job = gocron.CronJob(sj.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", sj.Cron)
	} else {
		job = gocron.DurationJob(sj.Interval)
		slog.DebugContext(ctx, "successfully parsed", "duration", sj.Interval.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
