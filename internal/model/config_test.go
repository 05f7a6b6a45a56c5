package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
version: 0
root: ./project
plan:
  - name: node
    platform: node
    files:
      - "test/**/*.test.js"
    node:
      binary: /usr/bin/node
      args: ["--no-warnings"]
  - name: goja
    platform: goja
    files:
      - "test/**/*.spec.js"
coverage:
  include:
    - "src/**/*.js"
execution:
  max_parallel: 3
  timeout: 30s
  stop_once_executed: false
service:
  mode: timer
  dir: ./coverage
  schedule:
    duration: 1h30m
  repository:
    enabled: true
    url: https://coverage.example.com
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	cfg, err := model.LoadConfig(strings.NewReader(fullConfig))
	require.NoError(t, err)

	require.Equal(t, "./project", cfg.Root)
	require.Len(t, cfg.Plan, 2)
	require.Equal(t, model.PlatformNode, cfg.Plan[0].Platform)
	require.NotNil(t, cfg.Plan[0].Node)
	require.Equal(t, "/usr/bin/node", cfg.Plan[0].Node.Binary)
	require.Equal(t, []string{"--no-warnings"}, cfg.Plan[0].Node.Args)
	require.Equal(t, model.PlatformGoja, cfg.Plan[1].Platform)

	require.NotNil(t, cfg.Coverage)
	require.True(t, cfg.Coverage.Enabled)
	require.Equal(t, []string{"src/**/*.js"}, cfg.Coverage.Include)

	require.Equal(t, 3, cfg.Execution.MaxParallel)
	require.Equal(t, 30*time.Second, cfg.Execution.TimeoutDuration())
	require.Equal(t, model.DefaultForceStopAfter, cfg.Execution.ForceStopAfterDuration())
	require.False(t, cfg.Execution.StopOnceExecuted)

	require.Equal(t, model.ServiceModeTimer, cfg.Service.Mode)
	job, err := cfg.Service.Schedule.Job()
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, job.Interval)
	require.Equal(t, "https://coverage.example.com", cfg.Service.RepositoryURL())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := model.LoadConfig(strings.NewReader(`
version: 0
plan:
  - name: vm
    platform: goja
    files: ["*.js"]
`))
	require.NoError(t, err)
	require.Equal(t, ".", cfg.Root)
	require.Nil(t, cfg.Coverage)
	require.Equal(t, model.DefaultMaxParallel, cfg.Execution.MaxParallel)
	require.Zero(t, cfg.Execution.TimeoutDuration())
	require.True(t, cfg.Execution.StopOnceExecuted)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.False(t, cfg.Service.Verbose)
	require.Empty(t, cfg.Service.RepositoryURL())
	require.Zero(t, cfg.Service.WatchInterval())
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "no plan",
			given:    "version: 0\n",
			then:     "plan",
		},
		{
			scenario: "unknown platform",
			given:    "version: 0\nplan:\n  - name: x\n    platform: deno\n    files: [\"*.js\"]\n",
			then:     "platform",
		},
		{
			scenario: "unknown field",
			given:    "version: 0\nfoo: bar\nplan:\n  - name: x\n    platform: node\n    files: [\"*.js\"]\n",
			then:     "not allowed",
		},
		{
			scenario: "timer without schedule",
			given:    "version: 0\nplan:\n  - name: x\n    platform: node\n    files: [\"*.js\"]\nservice:\n  mode: timer\n",
			then:     "service.schedule: required in timer mode",
		},
		{
			scenario: "duplicate names",
			given:    "version: 0\nplan:\n  - name: x\n    platform: node\n    files: [\"*.js\"]\n  - name: x\n    platform: goja\n    files: [\"*.cjs\"]\n",
			then:     "plan: duplicate names",
		},
		{
			scenario: "invalid pattern",
			given:    "version: 0\nplan:\n  - name: x\n    platform: node\n    files: [\"[.js\"]\n",
			then:     "invalid glob pattern: [.js",
		},
		{
			scenario: "invalid cron",
			given:    "version: 0\nplan:\n  - name: x\n    platform: node\n    files: [\"*.js\"]\nservice:\n  mode: timer\n  schedule:\n    cron: \"* * 32 * *\"\n",
			then:     "parsing cron",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
			require.NotEmpty(t, model.CueErrDetails(err))
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	_, err := model.LoadConfig(strings.NewReader("version: 0\nfoo: bar\nplan:\n  - name: x\n    platform: node\n    files: [\"*.js\"]\n"))
	require.Error(t, err)
	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	require.Equal(t, "unknown_field", details[0].Code)
	require.Equal(t, "foo", details[0].Path)
	require.Equal(t, "Field foo is not allowed", details[0].Message)

	_, err = model.LoadConfig(strings.NewReader("version: 0\nplan:\n  - name: x\n    platform: node\n    files: [\"*.js\"]\nservice:\n  mode: timer\n"))
	require.Error(t, err)
	details = model.CueErrDetails(err)
	require.Len(t, details, 1)
	require.Equal(t, "validation_error", details[0].Code)

	require.Nil(t, model.CueErrDetails(nil))
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	require.Equal(t, []string{"**/*.test.js"}, cfg.Plan[0].Files)
	require.Equal(t, []string{"**/*.test.js"}, cfg.Coverage.Exclude)
}

func TestApplyEnv(t *testing.T) {
	// can't be parallel as it touches the environment
	t.Setenv("JSEXEC_EXECUTION_MAX_PARALLEL", "7")
	t.Setenv("JSEXEC_SERVICE_MODE", "watch")
	t.Setenv("JSEXEC_SERVICE_REPOSITORY_URL", "http://localhost:8080")

	v := viper.New()
	v.SetEnvPrefix("JSEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := model.DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(v))
	require.Equal(t, 7, cfg.Execution.MaxParallel)
	require.Equal(t, model.ServiceModeWatch, cfg.Service.Mode)
	require.Equal(t, "http://localhost:8080", cfg.Service.RepositoryURL())
	require.Equal(t, ".", cfg.Root)

	t.Setenv("JSEXEC_SERVICE_MODE", "daemon")
	require.ErrorContains(t, cfg.ApplyEnv(v), `unsupported "daemon"`)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{given: "", then: 0},
		{given: "30s", then: 30 * time.Second},
		{given: "500ms", then: 500 * time.Millisecond},
		{given: "1d2h", then: 26 * time.Hour},
		{given: "1h30m", then: 90 * time.Minute},
		{given: "2m1s", then: 121 * time.Second},
		{given: "1s2m", err: true},
		{given: "1w", err: true},
		{given: "99999999999999999d", err: true},
	}

	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseDuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestScheduleJob(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    model.TimerSchedule
		then     model.ScheduleJob
		err      string
	}{
		{"cron", model.TimerSchedule{Cron: "*/15 * * * *"}, model.ScheduleJob{Cron: "*/15 * * * *"}, ""},
		{"macro", model.TimerSchedule{Cron: "@hourly"}, model.ScheduleJob{Cron: "@hourly"}, ""},
		{"every", model.TimerSchedule{Cron: "@every 5m"}, model.ScheduleJob{Cron: "@every 5m"}, ""},
		{"duration", model.TimerSchedule{Duration: "5m"}, model.ScheduleJob{Interval: 5 * time.Minute}, ""},
		{"six fields", model.TimerSchedule{Cron: "0 */2 * * * *"}, model.ScheduleJob{}, "parsing cron"},
		{"both", model.TimerSchedule{Cron: "@hourly", Duration: "1h"}, model.ScheduleJob{}, "both cron and duration are set"},
		{"none", model.TimerSchedule{}, model.ScheduleJob{}, "both cron and duration are empty"},
		{"zero", model.TimerSchedule{Duration: "0s"}, model.ScheduleJob{}, "duration must be positive"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			job, err := tc.given.Job()
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, job)
		})
	}
}
