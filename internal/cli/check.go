package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/tlv-audio-sink/internal/config"
)

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			o := cfg.Output
			blockDuration := o.GetBlockDuration()
			fmt.Fprintf(out, "Configuration %s is valid\n", path)
			fmt.Fprintf(out, "  udp:      %s:%d (direction %s)\n", cfg.Server.BindAddress, cfg.Server.UDPPort, cfg.Server.Direction)
			if cfg.HTTP.Enabled {
				fmt.Fprintf(out, "  http:     %s:%d\n", cfg.HTTP.Address, cfg.HTTP.Port)
			} else {
				fmt.Fprintln(out, "  http:     disabled")
			}
			fmt.Fprintf(out, "  output:   %s, %d-bit x %d @ %d Hz, %s\n", o.Backend, o.WordSize, o.Channels, o.FrameRate, o.Format)
			fmt.Fprintf(out, "  blocks:   %d x %d bytes (%s each, %s buffered)\n",
				o.NumBlocks, o.BlockSize, blockDuration, (time.Duration(o.NumBlocks) * blockDuration).String())
			fmt.Fprintf(out, "  stream:   idle after %s, queue %d (%s)\n",
				cfg.Stream.GetPollTimeout(), cfg.Stream.QueueCapacity, cfg.Stream.OverflowPolicy)
			return nil
		},
	}
}
