package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/screenreel/screenreel/internal/logging"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "screenreel",
		Short: "Record browser tabs to video",
		Long: `screenreel streams frames out of a running browser tab and pipes them
straight into an encoder, producing a video file the moment recording
stops. Recording survives tab closures, new windows and page stalls.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Configure(logging.Config{
				Level:   flagLogLevel,
				Service: "screenreel",
			})
		},
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	root.AddCommand(newRecordCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
