package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var (
	cfgFile    string
	printStats bool
)

var rootCmd = &cobra.Command{
	Use:   "wscomp",
	Short: "Live comment stream in your terminal",
	Long: `wscomp connects to a live comment stream over a websocket, prints every comment
it receives and sends each line typed on stdin as a comment. Lost connections are
retried after a randomized backoff.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./wscomp.yaml or $HOME/.wscomp/wscomp.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")

	rootCmd.Flags().String("url", "", "websocket address of the comment stream, e.g. wss://example.com/comments")
	rootCmd.Flags().Bool("no-comments", false, "start with the no comments placeholder")
	rootCmd.Flags().Duration("reconnect-min", 0, "shortest delay before reconnecting")
	rootCmd.Flags().Duration("reconnect-max", 0, "longest delay before reconnecting")
	rootCmd.Flags().Bool("exponential", false, "back off exponentially instead of picking uniformly between min and max")
	rootCmd.Flags().BoolVar(&printStats, "stats", false, "print connection statistics on exit")
}

// bindFlags hands every flag the user actually set to viper so that it wins over
// the config file and the environment
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	bindings := map[string]string{
		"log-level":     "log.level",
		"log-file":      "log.file",
		"url":           "url",
		"no-comments":   "no_comments",
		"reconnect-min": "reconnect.min",
		"reconnect-max": "reconnect.max",
		"exponential":   "reconnect.exponential",
	}

	for flagName, key := range bindings {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flagName, err)
		}
	}
	return nil
}
