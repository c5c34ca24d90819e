package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kardianos/service"
	"github.com/olekukonko/tablewriter"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	v                 = viper.NewWithOptions(viper.KeyDelimiter("::"))
	defaultConfigFile = "tunneld.toml"
)

const readyTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:     "tunneld",
	Short:   "Encrypted DNS tunnel",
	Version: curVersion(),
	PreRun: func(cmd *cobra.Command, args []string) {
		initConsoleLogging()
	},
}

func curVersion() string {
	if version != "dev" && !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s-%s", version, commit)
}

func initCLI() {
	// Enable opening via explorer.exe on Windows.
	// See: https://github.com/spf13/cobra/issues/844.
	cobra.MousetrapHelpText = ""
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().CountVarP(
		&verbose,
		"verbose",
		"v",
		`verbose log output, "-v" basic logging, "-vv" debug level logging`,
	)
	rootCmd.PersistentFlags().BoolVarP(
		&silent,
		"silent",
		"s",
		false,
		`do not write any log output`,
	)
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel in the foreground",
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			initConsoleLogging()
		},
		Run: func(cmd *cobra.Command, args []string) {
			readConfig()
			if logPath != "" {
				cfg.Service.LogPath = logPath
			}
			initLogging()
			s, err := newService(&prog{}, svcConfig)
			if err != nil {
				mainLog.Load().Fatal().Err(err).Msg("failed create new service")
			}
			mainLog.Load().Notice().Msgf("Starting tunneld %s", curVersion())
			if err := s.Run(); err != nil {
				mainLog.Load().Error().Err(err).Msg("failed to start service")
			}
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	runCmd.Flags().StringVarP(&logPath, "log", "", "", "Path to log file")
	runCmd.Flags().StringVarP(&homedir, "homedir", "", "", "")
	_ = runCmd.Flags().MarkHidden("homedir")
	rootCmd.AddCommand(runCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel, installing the service if needed",
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			initConsoleLogging()
			checkHasElevatedPrivilege()
		},
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newService(&prog{}, serviceConfigFor(cmd.Flags()))
			if err != nil {
				mainLog.Load().Fatal().Err(err).Msg("failed create new service")
			}
			if status, err := s.Status(); err == nil && status == service.StatusRunning {
				sessionCommand(startPath)
				return
			}
			if err := installService(s); err != nil {
				mainLog.Load().Fatal().Err(err).Msg("failed to install service")
			}
			if err := s.Start(); err != nil {
				mainLog.Load().Fatal().Err(err).Msg("failed to start service")
			}
			mainLog.Load().Notice().Msg("Service started")
			sessionCommand(statusPath)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().StringVarP(&logPath, "log", "", "", "Path to log file")
	rootCmd.AddCommand(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel, the service keeps running",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sessionCommand(stopPath)
		},
	}
	rootCmd.AddCommand(stopCmd)

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Re-establish the tunnel",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sessionCommand(restartPath + "?reload=" + strconv.FormatBool(reload))
		},
	}
	restartCmd.Flags().BoolVarP(&reload, "reload", "r", false, "Reload the settings before re-establishing")
	rootCmd.AddCommand(restartCmd)

	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause a running tunnel",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sessionCommand(pausePath)
		},
	}
	rootCmd.AddCommand(pauseCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused tunnel",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sessionCommand(resumePath)
		},
	}
	rootCmd.AddCommand(resumeCmd)

	invalidateCacheCmd := &cobra.Command{
		Use:   "invalidate-cache",
		Short: "Clear the response cache and re-establish the tunnel",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sessionCommand(invalidateCachePath)
		},
	}
	rootCmd.AddCommand(invalidateCacheCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the tunnel",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newService(&prog{}, svcConfig)
			if err != nil {
				mainLog.Load().Fatal().Err(err).Msg("failed create new service")
			}
			status, err := s.Status()
			switch {
			case errors.Is(err, service.ErrNotInstalled):
				mainLog.Load().Notice().Msg("Service is not installed")
				os.Exit(1)
			case err != nil:
				mainLog.Load().Error().Msg(err.Error())
				os.Exit(1)
			case status != service.StatusRunning:
				mainLog.Load().Notice().Msg("Service is stopped")
				os.Exit(1)
			}
			sessionCommand(statusPath)
		},
	}
	rootCmd.AddCommand(statusCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			readConfig()
			if err := writeConfig(os.Stdout, &cfg); err != nil {
				mainLog.Load().Fatal().Err(err).Msg("failed to encode config")
			}
		},
	}
	configCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.AddCommand(configCmd)

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and uninstall the service",
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			initConsoleLogging()
			checkHasElevatedPrivilege()
		},
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newService(&prog{}, svcConfig)
			if err != nil {
				mainLog.Load().Fatal().Err(err).Msg("failed create new service")
			}
			if err := s.Stop(); err != nil {
				mainLog.Load().Debug().Err(err).Msg("service was not running")
			}
			if err := s.Uninstall(); err != nil {
				mainLog.Load().Fatal().Err(err).Msg("failed to uninstall service")
			}
			mainLog.Load().Notice().Msg("Service uninstalled")
		},
	}
	rootCmd.AddCommand(uninstallCmd)

	for _, cmd := range []*cobra.Command{stopCmd, restartCmd, pauseCmd, resumeCmd, invalidateCacheCmd, statusCmd, configCmd} {
		cmd.PreRun = func(cmd *cobra.Command, args []string) {
			initConsoleLogging()
		}
	}
}

// serviceConfigFor returns the service config running "tunneld run" with
// the flags set on the command line.
func serviceConfigFor(flags *pflag.FlagSet) *service.Config {
	c := *svcConfig
	c.Arguments = []string{"run"}
	flags.Visit(func(flag *pflag.Flag) {
		value := flag.Value.String()
		switch flag.Name {
		case "config", "log":
			// The service does not run in the current directory.
			if abs, err := filepath.Abs(value); err == nil {
				value = abs
			}
		}
		c.Arguments = append(c.Arguments, fmt.Sprintf("--%s=%s", flag.Name, value))
	})
	return &c
}

// sessionCommand sends a session command to the running daemon and prints its status.
func sessionCommand(path string) {
	dir, err := socketDir()
	if err != nil {
		mainLog.Load().Fatal().Err(err).Msg("failed to find tunneld home dir")
	}
	cc := newControlClient(filepath.Join(dir, controlSocketName))
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	if err := cc.waitReady(ctx); err != nil {
		mainLog.Load().Fatal().Err(err).Msg("tunneld is not running")
	}
	res, err := cc.command(path)
	if err != nil {
		mainLog.Load().Fatal().Err(err).Msg("command failed")
	}
	printStatus(os.Stdout, res)
}

func printStatus(w io.Writer, res *statusResponse) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Status", "Value"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"State", res.State},
		{"Degraded connectivity", strconv.FormatBool(res.Degraded)},
		{"Bad connection", fmt.Sprintf("%t (score %.0f)", res.BadConnection, res.BadConnectionScore)},
		{"Queries", strconv.FormatFloat(res.Queries, 'f', 0, 64)},
		{"Packets received", strconv.FormatUint(res.PacketsReceived, 10)},
		{"Bytes in/out", fmt.Sprintf("%d/%d", res.BytesIn, res.BytesOut)},
		{"Failed answers", strconv.FormatUint(res.FailedAnswers, 10)},
		{"Average latency", (time.Duration(res.AverageLatencyMs) * time.Millisecond).String()},
		{"Last exchange", res.LastExchange},
	})
	table.Render()
}

// writeConfig encodes c as toml.
func writeConfig(w io.Writer, c any) error {
	return toml.NewEncoder(w).SetIndentTables(true).Encode(c)
}

// readConfig reads in the config file, then unmarshals it into cfg.
// A missing config file leaves the defaults in place.
func readConfig() {
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	readConfigFile()
	if err := v.Unmarshal(&cfg); err != nil {
		mainLog.Load().Fatal().Msgf("failed to unmarshal config: %v", err)
	}
}

// readConfigFile reads in config file, reporting whether one was found.
func readConfigFile() bool {
	err := v.ReadInConfig()
	if err == nil {
		mainLog.Load().Info().Msg("loading config file from: " + v.ConfigFileUsed())
		defaultConfigFile = v.ConfigFileUsed()
		return true
	}

	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		mainLog.Load().Notice().Msg("No config file found, using defaults")
		return false
	}

	// If error is viper.ConfigParseError, emit details line and column number.
	if errors.As(err, &viper.ConfigParseError{}) {
		if de := decoderErrorFromTomlFile(v.ConfigFileUsed()); de != nil {
			row, col := de.Position()
			mainLog.Load().Fatal().Msgf("failed to decode config file at line: %d, column: %d, error: %v", row, col, err)
		}
	}

	mainLog.Load().Fatal().Msgf("failed to decode config file: %v", err)
	return false
}

// decoderErrorFromTomlFile parses the invalid toml file, returning the details decoder error.
func decoderErrorFromTomlFile(cf string) *toml.DecodeError {
	if f, _ := os.Open(cf); f != nil {
		defer f.Close()
		var i any
		var de *toml.DecodeError
		if err := toml.NewDecoder(f).Decode(&i); err != nil && errors.As(err, &de) {
			return de
		}
	}
	return nil
}

func userHomeDir() (string, error) {
	if homedir != "" {
		return homedir, nil
	}
	if runtime.GOOS == "windows" {
		exePath, err := os.Executable()
		if err != nil {
			return "", err
		}
		return filepath.Dir(exePath), nil
	}
	dir := "/etc/tunneld"
	if err := os.MkdirAll(dir, 0750); err != nil {
		return os.UserHomeDir()
	}
	if ok, _ := dirWritable(dir); !ok {
		return os.UserHomeDir()
	}
	return dir, nil
}

// socketDir returns directory that tunneld will create socket file for running controlServer.
func socketDir() (string, error) {
	if runtime.GOOS == "windows" {
		return userHomeDir()
	}
	dir := "/var/run"
	if ok, _ := dirWritable(dir); !ok {
		return userHomeDir()
	}
	return dir, nil
}

func dirWritable(dir string) (bool, error) {
	f, err := os.CreateTemp(dir, "")
	if err != nil {
		return false, err
	}
	defer os.Remove(f.Name())
	return true, f.Close()
}
