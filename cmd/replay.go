package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grackle-fuzz/grackle/internal/adapter"
	"github.com/grackle-fuzz/grackle/internal/domain"
	m "github.com/grackle-fuzz/grackle/internal/model"
)

var (
	replaySignatureFlag  string
	replayAnyCrashFlag   bool
	replayRepeatFlag     int
	replayMinResultsFlag int
	replayRelaunchFlag   int
	replayNoExitEarly    bool
	replayIgnoreFlag     []string
)

const replayLongDescription = `Replay one test case (or an ordered series of test cases) against an
instrumented target and report whether the tracked crash reproduces.

BINARY is the target binary to run; INPUT is a test case directory
containing a ` + adapter.TestInfoFile + ` file, or a directory of such
directories forming a multi-step reproduction (the last one is the test
under investigation).`

// replayCmd represents the replay command.
var replayCmd = newReplayCmd()

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay BINARY INPUT",
		Short: "Replay test cases to confirm a crash reproduces",
		Long:  replayLongDescription,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogger(logFileFlag, viper.GetBool(logVerboseKey))
			cmd.SilenceUsage = true
			return runReplay(cmd, args[0], m.Path(args[1]))
		},
	}
}

// init runs after the config defaults are registered, so the flag
// defaults below pick them up.
func init() {
	configureReplayFlags(replayCmd)
	rootCmd.AddCommand(replayCmd)
}

func configureReplayFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&replaySignatureFlag, signatureFlagName, "", "crash signature to reproduce (default: signature of the first crash)")
	cmd.Flags().BoolVar(&replayAnyCrashFlag, anyCrashFlagName, false, "accept any crash as a successful reproduction")
	cmd.Flags().IntVar(&replayRepeatFlag, repeatFlagName, viper.GetInt(repeatKey), "number of times to run the test case sequence")
	bindFlagToConfig(cmd.Flags().Lookup(repeatFlagName), repeatKey)
	cmd.Flags().IntVar(&replayMinResultsFlag, minResultsFlagName, viper.GetInt(minResultsKey), "matching crashes required to declare success")
	bindFlagToConfig(cmd.Flags().Lookup(minResultsFlagName), minResultsKey)
	cmd.Flags().IntVar(&replayRelaunchFlag, relaunchFlagName, viper.GetInt(relaunchKey), "iterations to perform before relaunching the target")
	bindFlagToConfig(cmd.Flags().Lookup(relaunchFlagName), relaunchKey)
	cmd.Flags().Int64(timeoutFlagName, viper.GetInt64(timeoutKey), "test case delivery timeout in seconds")
	bindFlagToConfig(cmd.Flags().Lookup(timeoutFlagName), timeoutKey)
	cmd.Flags().Int64(launchTimeoutFlagName, viper.GetInt64(launchTimeoutKey), "seconds to wait for the target to reach a ready state")
	bindFlagToConfig(cmd.Flags().Lookup(launchTimeoutFlagName), launchTimeoutKey)
	cmd.Flags().String(platformFlagName, viper.GetString(platformKey), "target platform: local or browser")
	bindFlagToConfig(cmd.Flags().Lookup(platformFlagName), platformKey)
	cmd.Flags().Bool(headlessFlagName, viper.GetBool(headlessKey), "run the browser platform headless")
	bindFlagToConfig(cmd.Flags().Lookup(headlessFlagName), headlessKey)
	cmd.Flags().StringArrayVar(&replayIgnoreFlag, ignoreFlagName, viper.GetStringSlice(ignoreKey), "log patterns that classify a failure as ignored (can be repeated)")
	bindFlagToConfig(cmd.Flags().Lookup(ignoreFlagName), ignoreKey)
	cmd.Flags().BoolVar(&replayNoExitEarly, noExitEarlyFlagName, false, "always consume the full iteration budget")
	cmd.Flags().StringP(outputFlagName, "o", viper.GetString(outputKey), "directory to export retained evidence into")
	bindFlagToConfig(cmd.Flags().Lookup(outputFlagName), outputKey)
	cmd.Flags().String(statusDBFlagName, viper.GetString(statusDBKey), "status database for cross-process progress reporting")
	bindFlagToConfig(cmd.Flags().Lookup(statusDBFlagName), statusDBKey)
}

func runReplay(cmd *cobra.Command, binary string, input m.Path) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	tests, env, err := adapter.LoadTestCases(input)
	if err != nil {
		return fmt.Errorf("load test cases: %w", err)
	}
	slog.Info("test cases loaded", "count", len(tests), "env", len(env))

	var statusStore adapter.StatusStore
	if store, err := adapter.OpenStatusStore(m.Path(viper.GetString(statusDBKey))); err != nil {
		slog.Warn("status persistence disabled", "error", err)
	} else {
		statusStore = store
		defer store.Close()
	}

	server, err := adapter.NewHarnessServer(configDuration(timeoutKey))
	if err != nil {
		return fmt.Errorf("start harness server: %w", err)
	}
	defer server.Close()

	engineOpts := []domain.EngineOption{
		domain.WithRelaunchInterval(viper.GetInt(relaunchKey)),
	}
	if replayAnyCrashFlag {
		engineOpts = append(engineOpts, domain.WithAnyCrash())
	} else if replaySignatureFlag != "" {
		engineOpts = append(engineOpts, domain.WithSignature(replaySignatureFlag))
	}

	engine := domain.NewEngine(
		server,
		buildTarget(binary),
		adapter.NewLogReportBuilder(),
		domain.NewStatus(statusStore, 0),
		engineOpts...,
	)
	defer engine.Close()

	success, runErr := engine.Run(ctx, tests, domain.RunOptions{
		Repeat:     viper.GetInt(repeatKey),
		MinResults: viper.GetInt(minResultsKey),
		ExitEarly:  !replayNoExitEarly,
	})

	// export whatever evidence was retained, including partial forensic
	// evidence left behind by a failed run
	results := append(engine.Expected(), engine.Other()...)
	if err := domain.ExportResults(m.Path(viper.GetString(outputKey)), results, tests); err != nil {
		slog.Error("export results", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	status := engine.Status()
	cmd.Printf("iterations: %d, results: %d, ignored: %d\n",
		status.Iteration(), status.Results(), status.Ignored())
	if sig := engine.Signature(); sig != "" {
		cmd.Printf("signature: %s\n", sig)
	}

	if runErr != nil {
		return fmt.Errorf("replay failed: %w", runErr)
	}
	if !success {
		return errors.New("could not reproduce the crash")
	}
	cmd.Println("crash reproduced")
	return nil
}

func buildTarget(binary string) adapter.Target {
	ignore := viper.GetStringSlice(ignoreKey)
	launchTimeout := configDuration(launchTimeoutKey)
	if viper.GetString(platformKey) == "browser" {
		return adapter.NewBrowserTarget(
			adapter.WithExecPath(binary),
			adapter.WithHeadless(viper.GetBool(headlessKey)),
			adapter.WithBrowserIgnorePatterns(ignore...),
			adapter.WithBrowserLaunchTimeout(launchTimeout),
		)
	}
	return adapter.NewLocalTarget(binary,
		adapter.WithIgnorePatterns(ignore...),
		adapter.WithLaunchTimeout(launchTimeout),
	)
}
