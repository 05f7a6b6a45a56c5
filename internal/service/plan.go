package service

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/CZERTAINLY/jsexec/internal/compile"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/plan"
	"github.com/CZERTAINLY/jsexec/internal/platform"
	"github.com/CZERTAINLY/jsexec/internal/platform/gojavm"
	"github.com/CZERTAINLY/jsexec/internal/platform/node"
	"github.com/CZERTAINLY/jsexec/internal/walk"
	"github.com/samber/lo"
)

// BuildPlan resolves the configured patterns below root. Files executed by
// any platform are never covered.
func BuildPlan(ctx context.Context, cfg model.Config, root string, compiler *compile.Compiler) (plan.Plan, []string, error) {
	fsys := os.DirFS(root)
	p := make(plan.Plan, len(cfg.Plan))
	var executed []string
	for _, e := range cfg.Plan {
		files, err := walk.Glob(ctx, fsys, walk.Patterns{Include: e.Files, Exclude: e.Exclude})
		if err != nil {
			return nil, nil, fmt.Errorf("plan %s: %w", e.Name, err)
		}
		if len(files) == 0 {
			slog.WarnContext(ctx, "no files matched", "platform", e.Name, "files", e.Files)
		}
		launch, err := launcher(e, compiler)
		if err != nil {
			return nil, nil, fmt.Errorf("plan %s: %w", e.Name, err)
		}
		p[e.Name] = plan.Entry{Files: files, Launch: launch}
		executed = append(executed, files...)
	}

	if cfg.Coverage == nil || !cfg.Coverage.Enabled {
		return p, nil, nil
	}
	files, err := walk.Glob(ctx, fsys, walk.Patterns{Include: cfg.Coverage.Include, Exclude: cfg.Coverage.Exclude})
	if err != nil {
		return nil, nil, fmt.Errorf("coverage: %w", err)
	}
	return p, lo.Without(files, executed...), nil
}

func launcher(e model.PlanEntry, compiler *compile.Compiler) (platform.Launcher, error) {
	switch e.Platform {
	case model.PlatformNode:
		cfg := node.Config{Compiler: compiler}
		if e.Node != nil {
			cfg.Binary = e.Node.Binary
			cfg.Args = e.Node.Args
			cfg.Env = nodeEnv(e.Node.Env)
		}
		return node.NewLauncher(cfg), nil
	case model.PlatformGoja:
		return gojavm.NewLauncher(gojavm.Config{Compiler: compiler}), nil
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownPlatform, e.Platform)
	}
}

// nodeEnv turns the configured map into KEY=value, values starting with $
// are expanded
func nodeEnv(env map[string]string) []string {
	ret := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		v := env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		ret = append(ret, k+"="+v)
	}
	return ret
}
