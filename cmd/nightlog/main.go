// Command nightlog drives the activity store from a terminal: record and end
// sessions, list them, sync with a relay and manage the share.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nightlog/nightlog/internal/config"
	"github.com/nightlog/nightlog/internal/ui"
)

var (
	configPath string
	offline    bool

	cfg       config.Config
	logOutput io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "nightlog",
	Short: "Sleep and tummy time log with device sync",
	Long: `nightlog records sleep and tummy time sessions in a local store and keeps
them in sync across devices through a relay.

Settings come from nightlog.yaml (working directory or user config directory)
and NIGHTLOG_* environment variables. Without user_id, every command works
offline against the local store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if cfg.Log.File != "" {
			logOutput = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   true,
			}
		}
		ui.Init(os.Stdout)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if l, ok := logOutput.(*lumberjack.Logger); ok {
			_ = l.Close()
		}
	},
}

// newLogger returns a logger for one component, writing to the configured
// log output.
func newLogger(component string) *log.Logger {
	return log.New(logOutput, fmt.Sprintf("[%s] ", component), log.LstdFlags)
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "log", Title: "Logging sessions:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "sync", Title: "Sync and sharing:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file or directory (default: search for nightlog.yaml)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Do not contact the relay")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
