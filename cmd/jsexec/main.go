package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/jsexec/internal/log"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/report"
	"github.com/CZERTAINLY/jsexec/internal/service"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configName = "jsexec.yaml"

var (
	userConfigPath string // /default/config/path/jsexec on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagLimit          int    // value of history --limit flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "jsexec")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 10, "number of runs to show")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initJsexec

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(coverCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("jsexec failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "jsexec",
	Short:        "Tool executing JavaScript files on node and goja platforms and collecting coverage",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and executes the plan in the configured mode",
	RunE:  doRun,
}

var coverCmd = &cobra.Command{
	Use:   "cover",
	Short: "cover command executes the plan once and prints the coverage summary",
	RunE:  doCover,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history prints the latest runs recorded in service.history",
	RunE:  doHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a jsexec",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("jsexec: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("jsexec: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("jsexec",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	return svc.Do(ctx)
}

func doCover(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("jsexec",
		slog.String("cmd", "cover"),
		slog.Int("pid", os.Getpid()),
	))

	cfg := config
	cfg.Service.Mode = model.ServiceModeManual
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)
	// the summary replaces the JSON on stdout
	if cfg.Service.Dir == "" && cfg.Service.RepositoryURL() == "" {
		svc.WithUploaders(ctx)
	}

	doc, runErr := svc.Run(ctx)
	if doc.RunID != "" {
		if err := report.WriteSummary(cmd.OutOrStdout(), doc); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func doHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if config.Service.History == "" {
		return errors.New("service.history is not configured")
	}
	cfg := config
	cfg.Service.Mode = model.ServiceModeManual
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)

	runs, err := svc.History(ctx, flagLimit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Fprintln(cmd.OutOrStdout(), r.String())
	}
	return nil
}

func initJsexec(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("JSEXECCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// JSEXEC_* environment has a precedence over config file
	v := viper.New()
	v.SetEnvPrefix("JSEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := config.ApplyEnv(v); err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	slog.SetDefault(log.New(config.Service.Verbose))

	slog.Debug("jsexec run", "configPath", configPath)
	slog.Debug("jsexec run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
