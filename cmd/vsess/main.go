package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/chriscow/voice-session-go/pkg/config"
	"github.com/chriscow/voice-session-go/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "vsess",
	Short: "vsess - voice interaction session controller",
	Long: `vsess records a spoken question, stops on silence or a hard cap, sends the
utterance to an answer service and plays back the synthesized reply.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

// loadConfig reads the config file named by --config, applies VS_*
// environment overrides and then any flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(afero.NewOsFs(), path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Exchange.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("api-url") {
		cfg.Exchange.APIURL, _ = flags.GetString("api-url")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch strings.ToLower(cfg.Level) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "console" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("backend", "", "Exchange backend (see 'vsess backends')")
	rootCmd.PersistentFlags().String("api-url", "", "Answer service base URL")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	runCmd.Flags().Bool("fake", false, "Use scripted capture and a silent output instead of audio hardware")
	runCmd.Flags().Bool("no-stdin", false, "Do not read controls from stdin")

	askCmd.Flags().String("file", "", "Send a WAV file as a voice exchange instead of text")
	askCmd.Flags().Bool("play", false, "Play the synthesized reply")

	vadCmd.Flags().String("file", "", "Path to WAV file to replay")
	vadCmd.Flags().Float64("threshold", 0, "Override the RMS threshold")
	vadCmd.Flags().Duration("budget", 0, "Override the silence budget")
	vadCmd.Flags().Duration("max-record", 0, "Override the hard cap")
	vadCmd.Flags().String("out", "", "Write the utterance up to the stop point to this file")
	vadCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(versionCmd, runCmd, askCmd, vadCmd, devicesCmd, backendsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
