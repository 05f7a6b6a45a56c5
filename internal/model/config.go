package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	PlatformNode = "node"
	PlatformGoja = "goja"

	ServiceModeManual = "manual"
	ServiceModeWatch  = "watch"
	ServiceModeTimer  = "timer"

	DefaultMaxParallel    = 5
	DefaultForceStopAfter = 10 * time.Minute
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx      *cue.Context
	definitions cue.Value
	schema      cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}
	definitions = compiled
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int         `json:"version" yaml:"version"` // fixed 0 for now
	Root      string      `json:"root" yaml:"root"`
	Plan      []PlanEntry `json:"plan" yaml:"plan"`
	Coverage  *Coverage   `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Execution Execution   `json:"execution" yaml:"execution"`
	Service   Service     `json:"service" yaml:"service"`
}

// PlanEntry is a platform and the files executed on it
type PlanEntry struct {
	Name     string   `json:"name" yaml:"name"`
	Platform string   `json:"platform" yaml:"platform"` // "node" | "goja"
	Files    []string `json:"files" yaml:"files"`       // doublestar patterns
	Exclude  []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Node     *Node    `json:"node,omitempty" yaml:"node,omitempty"`
}

type Node struct {
	Binary string            `json:"binary,omitempty" yaml:"binary,omitempty"`
	Args   []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type Coverage struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Include []string `json:"include" yaml:"include"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

type Execution struct {
	MaxParallel      int    `json:"max_parallel" yaml:"max_parallel"`
	Timeout          string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ForceStopAfter   string `json:"force_stop_after" yaml:"force_stop_after"`
	StopOnceExecuted bool   `json:"stop_once_executed" yaml:"stop_once_executed"`
}

type Service struct {
	Mode       string         `json:"mode" yaml:"mode"` // "manual" | "watch" | "timer"
	Verbose    bool           `json:"verbose" yaml:"verbose"`
	Dir        string         `json:"dir,omitempty" yaml:"dir,omitempty"`         // report directory
	History    string         `json:"history,omitempty" yaml:"history,omitempty"` // sqlite database
	Schedule   *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Repository *Repository    `json:"repository,omitempty" yaml:"repository,omitempty"`
	Watch      *Watch         `json:"watch,omitempty" yaml:"watch,omitempty"`
}

// TimerSchedule is either a cron expression or a duration
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Repository struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
}

type Watch struct {
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	var out Config
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return out, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return out, err
	}

	if err := unified.Decode(&out); err != nil {
		return out, err
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// DefaultConfig runs every *.test.js file below the current directory in node
// and covers the rest of the sources.
func DefaultConfig() Config {
	cfg, err := LoadConfig(bytes.NewReader(defaultConfig))
	if err != nil {
		panic(err)
	}
	return cfg
}

var defaultConfig = []byte(`
version: 0
plan:
  - name: node
    platform: node
    files:
      - "**/*.test.js"
coverage:
  include:
    - "**/*.js"
  exclude:
    - "**/*.test.js"
`)

// Validate checks what the schema can't express
func (c Config) Validate() error {
	var errs []error
	if dups := lo.FindDuplicates(lo.Map(c.Plan, func(e PlanEntry, _ int) string { return e.Name })); len(dups) > 0 {
		errs = append(errs, fmt.Errorf("plan: duplicate names: %v", dups))
	}
	var patterns []string
	for _, e := range c.Plan {
		patterns = slices.Concat(patterns, e.Files, e.Exclude)
	}
	if c.Coverage != nil {
		patterns = slices.Concat(patterns, c.Coverage.Include, c.Coverage.Exclude)
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("invalid glob pattern: %s", p))
		}
	}

	if c.Execution.MaxParallel < 1 {
		errs = append(errs, errors.New("execution.max_parallel: must be at least 1"))
	}
	for key, value := range map[string]string{
		"execution.timeout":          c.Execution.Timeout,
		"execution.force_stop_after": c.Execution.ForceStopAfter,
	} {
		if value == "" {
			continue
		}
		if _, err := ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	switch c.Service.Mode {
	case ServiceModeManual, ServiceModeWatch:
	case ServiceModeTimer:
		if c.Service.Schedule == nil {
			errs = append(errs, errors.New("service.schedule: required in timer mode"))
			break
		}
		if _, err := c.Service.Schedule.Job(); err != nil {
			errs = append(errs, fmt.Errorf("service.schedule: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("service.mode: unsupported %q", c.Service.Mode))
	}
	return errors.Join(errs...)
}

func (e Execution) TimeoutDuration() time.Duration {
	d, _ := ParseDuration(e.Timeout)
	return d
}

func (e Execution) ForceStopAfterDuration() time.Duration {
	d, err := ParseDuration(e.ForceStopAfter)
	if err != nil || d <= 0 {
		return DefaultForceStopAfter
	}
	return d
}

// WatchInterval is zero when not configured
func (s Service) WatchInterval() time.Duration {
	if s.Watch == nil {
		return 0
	}
	d, _ := ParseDuration(s.Watch.Interval)
	return d
}

// RepositoryURL is empty unless the repository is enabled
func (s Service) RepositoryURL() string {
	if s.Repository == nil || !s.Repository.Enabled {
		return ""
	}
	return s.Repository.URL
}

// ApplyEnv overrides the configuration from the environment, keys are
// upper-cased with dots replaced by underscores and prefixed by JSEXEC_, eg.
// JSEXEC_EXECUTION_MAX_PARALLEL.
func (c *Config) ApplyEnv(v *viper.Viper) error {
	if v.IsSet("root") {
		c.Root = v.GetString("root")
	}
	if v.IsSet("execution.max_parallel") {
		c.Execution.MaxParallel = v.GetInt("execution.max_parallel")
	}
	if v.IsSet("execution.timeout") {
		c.Execution.Timeout = v.GetString("execution.timeout")
	}
	if v.IsSet("execution.force_stop_after") {
		c.Execution.ForceStopAfter = v.GetString("execution.force_stop_after")
	}
	if v.IsSet("execution.stop_once_executed") {
		c.Execution.StopOnceExecuted = v.GetBool("execution.stop_once_executed")
	}
	if v.IsSet("service.mode") {
		c.Service.Mode = v.GetString("service.mode")
	}
	if v.IsSet("service.verbose") {
		c.Service.Verbose = v.GetBool("service.verbose")
	}
	if v.IsSet("service.dir") {
		c.Service.Dir = v.GetString("service.dir")
	}
	if v.IsSet("service.history") {
		c.Service.History = v.GetString("service.history")
	}
	if v.IsSet("service.repository.url") {
		c.Service.Repository = &Repository{Enabled: true, URL: v.GetString("service.repository.url")}
	}
	return c.Validate()
}
