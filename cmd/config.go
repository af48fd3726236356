package cmd

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	configBaseName   = "grackle"
	configFileName   = configBaseName + ".yaml"
	configFolderPath = "."

	envPrefix = "GRACKLE"

	logFileFlagName = "log-file"
	verboseFlagName = "verbose"

	outputFlagName        = "output"
	statusDBFlagName      = "status-db"
	signatureFlagName     = "sig"
	anyCrashFlagName      = "any-crash"
	repeatFlagName        = "repeat"
	minResultsFlagName    = "min-results"
	relaunchFlagName      = "relaunch"
	timeoutFlagName       = "timeout"
	launchTimeoutFlagName = "launch-timeout"
	platformFlagName      = "platform"
	noExitEarlyFlagName   = "no-exit-early"
	headlessFlagName      = "headless"
	ignoreFlagName        = "ignore"

	outputKey        = "replay.output"
	statusDBKey      = "replay.status_db"
	repeatKey        = "replay.repeat"
	minResultsKey    = "replay.min_results"
	relaunchKey      = "replay.relaunch"
	timeoutKey       = "replay.timeout"
	launchTimeoutKey = "replay.launch_timeout"
	platformKey      = "replay.platform"
	headlessKey      = "replay.headless"
	ignoreKey        = "replay.ignore"

	defaultOutputDir     = "results"
	defaultStatusDB      = ".grackle/status.db"
	defaultRepeat        = 1
	defaultMinResults    = 1
	defaultRelaunch      = 1
	defaultTimeout       = int64(60)  // seconds
	defaultLaunchTimeout = int64(300) // seconds
	defaultPlatform      = "local"
	defaultHeadless      = true

	logFilenameKey   = "log.filename"
	logLevelKey      = "log.level"
	logVerboseKey    = "log.verbose"
	logMaxSizeKey    = "log.max_size"
	logMaxBackupsKey = "log.max_backups"
	logMaxAgeKey     = "log.max_age"
	logCompressKey   = "log.compress"

	defaultLogFilename   = ".grackle.log"
	defaultLogMaxSize    = 10
	defaultLogMaxBackups = 3
	defaultLogMaxAge     = 28
	defaultLogCompress   = true
)

var globalLogger *slog.Logger

func init() {
	viper.SetConfigName(configBaseName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configFolderPath)
	viper.SetConfigFile(filepath.Join(configFolderPath, configFileName))
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.SetDefault(outputKey, defaultOutputDir)
	viper.SetDefault(statusDBKey, defaultStatusDB)
	viper.SetDefault(repeatKey, defaultRepeat)
	viper.SetDefault(minResultsKey, defaultMinResults)
	viper.SetDefault(relaunchKey, defaultRelaunch)
	viper.SetDefault(timeoutKey, defaultTimeout)
	viper.SetDefault(launchTimeoutKey, defaultLaunchTimeout)
	viper.SetDefault(platformKey, defaultPlatform)
	viper.SetDefault(headlessKey, defaultHeadless)
	viper.SetDefault(ignoreKey, []string{})

	viper.SetDefault(logFilenameKey, defaultLogFilename)
	viper.SetDefault(logLevelKey, int(slog.LevelInfo))
	viper.SetDefault(logVerboseKey, false)
	viper.SetDefault(logMaxSizeKey, defaultLogMaxSize)
	viper.SetDefault(logMaxBackupsKey, defaultLogMaxBackups)
	viper.SetDefault(logMaxAgeKey, defaultLogMaxAge)
	viper.SetDefault(logCompressKey, defaultLogCompress)

	if err := loadConfigFile(); err != nil {
		slog.Warn("config file ignored", "file", viper.ConfigFileUsed(), "error", err)
	}
}

// loadConfigFile reads the optional config file. A missing file is not an
// error; anything else (unreadable, malformed) is reported to the caller.
func loadConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func parseSlogLevel(value string, defaultLevel slog.Level) slog.Level {
	level := strings.ToLower(strings.TrimSpace(value))
	if level == "" {
		return defaultLevel
	}

	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}

	// Allow numeric slog levels as well (e.g. -4 for debug).
	if n, err := strconv.Atoi(level); err == nil {
		return slog.Level(n)
	}

	return defaultLevel
}

// configureLogger configures the global slog logger.
//
// By default it logs at Info; if verbose is true it logs at Debug.
func configureLogger(logPath string, verbose bool) {
	if strings.TrimSpace(logPath) == "" {
		logPath = viper.GetString(logFilenameKey)
	}

	if strings.TrimSpace(logPath) == "" {
		logPath = defaultLogFilename
	}

	var logLevel slog.Level
	if verbose {
		logLevel = slog.LevelDebug
	} else {
		logLevel = parseSlogLevel(viper.GetString(logLevelKey), slog.LevelInfo)
	}

	logWriter := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    viper.GetInt(logMaxSizeKey),
		MaxBackups: viper.GetInt(logMaxBackupsKey),
		MaxAge:     viper.GetInt(logMaxAgeKey),
		Compress:   viper.GetBool(logCompressKey),
	}

	handler := slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	})

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
}

func configDuration(key string) time.Duration {
	return time.Duration(viper.GetInt64(key)) * time.Second
}
