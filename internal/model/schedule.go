package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a cron expression that have 5 fields or a macro
// returns error if it fails
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	// Macros / @every handled by ParseStandard
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(e)
}

var durationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?(\d+ms)?$`)

// ParseDuration parses strings like 1d2h3m4s5ms into time.Duration. Segments
// are ordered, each of them optional. Empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration format: %s", s)
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		var unit time.Duration
		var num string
		switch {
		case strings.HasSuffix(seg, "ms"):
			unit, num = time.Millisecond, seg[:len(seg)-2]
		case strings.HasSuffix(seg, "d"):
			unit, num = 24*time.Hour, seg[:len(seg)-1]
		case strings.HasSuffix(seg, "h"):
			unit, num = time.Hour, seg[:len(seg)-1]
		case strings.HasSuffix(seg, "m"):
			unit, num = time.Minute, seg[:len(seg)-1]
		default:
			unit, num = time.Second, seg[:len(seg)-1]
		}
		val, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		if val > int64(math.MaxInt64/unit) {
			return 0, errors.New("duration overflow")
		}
		add := time.Duration(val) * unit
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}

// ScheduleJob is a validated timer schedule, exactly one field is set
type ScheduleJob struct {
	Cron     string
	Interval time.Duration
}

func (s TimerSchedule) Job() (ScheduleJob, error) {
	switch {
	case s.Cron != "" && s.Duration != "":
		return ScheduleJob{}, errors.New("both cron and duration are set")
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return ScheduleJob{}, fmt.Errorf("parsing cron: %w", err)
		}
		return ScheduleJob{Cron: strings.TrimSpace(s.Cron)}, nil
	case s.Duration != "":
		d, err := ParseDuration(s.Duration)
		if err != nil {
			return ScheduleJob{}, fmt.Errorf("parsing duration: %w", err)
		}
		if d <= 0 {
			return ScheduleJob{}, errors.New("duration must be positive")
		}
		return ScheduleJob{Interval: d}, nil
	default:
		return ScheduleJob{}, errors.New("both cron and duration are empty")
	}
}
