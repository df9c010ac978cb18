package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/pkg/operation"
)

// rssiCmd represents the rssi command
var rssiCmd = &cobra.Command{
	Use:   "rssi <device-address>",
	Short: "Read the signal strength of a connected peripheral",
	Long: fmt.Sprintf(`Connects to a peripheral and reports its RSSI.

Examples:
  # Single reading
  gattkit rssi %s

  # Poll every 500ms, stop after 20 readings
  gattkit rssi %s --watch 500ms --count 20

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runRSSI,
}

var (
	rssiWatch string
	rssiCount int
)

func init() {
	rssiCmd.Flags().StringVar(&rssiWatch, "watch", "", "Poll at interval (e.g., 1s); defaults to rssi_poll_interval if no value given")
	rssiCmd.Flags().Lookup("watch").NoOptDefVal = "0s"
	rssiCmd.Flags().IntVar(&rssiCount, "count", 0, "Stop polling after this many readings (0 for unlimited)")
}

func runRSSI(cmd *cobra.Command, args []string) error {
	address := args[0]

	var interval time.Duration
	watch := rssiWatch != ""
	if watch {
		var err error
		if interval, err = time.ParseDuration(rssiWatch); err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if interval < 0 {
			return fmt.Errorf("watch interval must not be negative")
		}
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	return a.runOperation(ctx, address, func(op *operation.Orchestrator) {
		if !watch {
			op.ReadRSSI(func(rssi int, err error) {
				if err == nil {
					fmt.Fprintf(out, "RSSI: %s\n", formatRSSI(rssi))
				}
				op.End(err)
			})
			return
		}

		// readings is only touched on the main queue
		readings := 0
		op.PollRSSI(interval, func(rssi int, err error) {
			if err != nil {
				a.logger.WithError(err).Warn("RSSI poll failed")
				return
			}
			fmt.Fprintf(out, "RSSI: %s\n", formatRSSI(rssi))
			readings++
			if rssiCount > 0 && readings == rssiCount {
				op.StopRSSIPolling()
				op.End(nil)
			}
		})
	})
}
