package cli

import (
	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "tlv-audio-sink"
)

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Play bursty TLV network audio through a fixed-block output device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file")

	root.AddCommand(
		newServeCommand(),
		newCheckConfigCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}
