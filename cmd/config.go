package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/josephgoksu/rulegate/internal/config"
	"github.com/josephgoksu/rulegate/internal/logger"
	"github.com/josephgoksu/rulegate/internal/project"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/store"
)

var (
	// appConfig is the decoded configuration, set by initConfig.
	appConfig *config.Config

	logMu      sync.Mutex
	logCleanup func() error
)

// initConfig loads .env, detects the project, reads the config file and
// environment, validates the result and configures logging. flags are the
// root persistent flags.
func initConfig(flags *pflag.FlagSet) error {
	// A missing .env is fine.
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	pc, err := project.NewOsDetector().Detect(cwd)
	if err != nil {
		if !errors.Is(err, project.ErrNoProjectFound) {
			return fmt.Errorf("detect project: %w", err)
		}
		pc = &project.Context{RootPath: cwd}
	}
	if err := config.SetProjectContext(pc); err != nil {
		return err
	}

	bindRootFlags(flags)
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	configPath := cfgFile
	if configPath == "" {
		configPath = filepath.Join(pc.StateDir(), config.ConfigFileName)
	}
	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		// Only an explicit --config must exist.
		if cfgFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	appConfig = cfg

	paths := config.ResolvePaths(pc.RootPath, cfg)
	logger.SetStateDir(paths.StateDir)

	logFile := cfg.Log.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(paths.LogDir, logFile)
	}
	_, cleanup, err := logger.Setup(logger.Options{
		Level:   cfg.Log.Level,
		Verbose: isVerbose(),
		File:    logFile,
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logMu.Lock()
	logCleanup = cleanup
	logMu.Unlock()
	return nil
}

// closeLogs closes the JSON log file, if any.
func closeLogs() error {
	logMu.Lock()
	cleanup := logCleanup
	logCleanup = nil
	logMu.Unlock()
	if cleanup == nil {
		return nil
	}
	return cleanup()
}

// GetConfig returns the loaded configuration, or the defaults before
// initConfig has run.
func GetConfig() *config.Config {
	if appConfig == nil {
		d := config.Defaults()
		return &d
	}
	return appConfig
}

// userMessage maps an error onto a short, actionable message.
func userMessage(err error) string {
	var perr *rules.ParseError
	var serr *store.StorageError
	switch {
	case errors.Is(err, rules.ErrDocumentNotFound):
		return "No policy document found. Run 'rulegate init' or set registry.document."
	case errors.As(err, &perr):
		return "The policy document could not be parsed: " + perr.Error()
	case errors.As(err, &serr):
		return "rulegate could not read or write its database under .rulegate/. Run with --verbose for details."
	case errors.Is(err, config.ErrProjectContextNotSet):
		return "Run rulegate from inside a project."
	}
	return "Error: " + err.Error()
}
