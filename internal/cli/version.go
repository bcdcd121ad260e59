package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/skypro1111/tlv-audio-sink/internal/server"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Service:", serviceName)
			fmt.Fprintln(out, "Version:", server.Version)
			fmt.Fprintln(out, "Go:", runtime.Version())
			fmt.Fprintf(out, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
