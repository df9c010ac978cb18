package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/groutine"
	"github.com/srg/gattkit/pkg/operation"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <uuid>[,<uuid>...]",
	Short: "Read a characteristic or descriptor value",
	Long: fmt.Sprintf(`Reads data from BLE characteristic(s) or a descriptor.

Examples:
  # Read Battery Level characteristic
  gattkit read %s 2a19

  # Read multiple characteristics (comma-separated), as hex
  gattkit read %s 2a19,2a29 --hex

  # Read with service disambiguation
  gattkit read %s 2a19 --service 180f

  # Read descriptor (Client Characteristic Configuration)
  gattkit read %s 2a19 --desc 2902

  # Continuously read every 500ms until Ctrl+C
  gattkit read %s 2a19 --watch 500ms

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readDescUUID    string
	readHex         bool
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

type readTarget struct {
	char device.Characteristic
	desc device.Identity // nil for a characteristic read
}

func (t readTarget) label() string {
	if t.desc.IsNil() {
		return t.char.ID.Short()
	}
	return t.char.ID.Short() + "/" + t.desc.Short()
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	ids, err := parseCSVUUIDs(args[1])
	if err != nil {
		return err
	}
	service, err := parseOptionalUUID("service", readServiceUUID)
	if err != nil {
		return err
	}
	desc, err := parseOptionalUUID("desc", readDescUUID)
	if err != nil {
		return err
	}
	if !desc.IsNil() && len(ids) > 1 {
		return fmt.Errorf("descriptor read requires a single characteristic, got %d", len(ids))
	}

	var watchInterval time.Duration
	if readWatch != "" {
		if len(ids) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(ids))
		}
		if watchInterval, err = time.ParseDuration(readWatch); err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("watch interval must be positive")
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
	labelled := len(ids) > 1

	return a.runOperation(ctx, address, func(op *operation.Orchestrator) {
		chars, err := resolveCharacteristics(op.Services(), service, ids, 0)
		if err != nil {
			op.End(err)
			return
		}
		targets := make([]readTarget, len(chars))
		for i, c := range chars {
			targets[i] = readTarget{char: c}
			if !desc.IsNil() {
				if _, err := resolveDescriptor(c, desc); err != nil {
					op.End(err)
					return
				}
				targets[i].desc = desc
			}
		}

		if watchInterval > 0 {
			watchTarget(ctx, op, targets[0], watchInterval, out)
			return
		}

		steps := make([]step, len(targets))
		for i, t := range targets {
			steps[i] = func(next func()) {
				readOnce(op, t, func(data []byte, err error) {
					if err != nil {
						op.End(err)
						return
					}
					printRead(out, t, data, labelled)
					next()
				})
			}
		}
		runSteps(steps, func() { op.End(nil) })
	})
}

func readOnce(op *operation.Orchestrator, t readTarget, cb func([]byte, error)) {
	if t.desc.IsNil() {
		op.ReadBytes(t.char.ID, cb)
		return
	}
	op.ReadDescriptor(t.char.ID, t.desc, cb)
}

// watchTarget re-reads t every interval until the run ends. The first read
// error ends the run.
func watchTarget(ctx context.Context, op *operation.Orchestrator, t readTarget, interval time.Duration, out io.Writer) {
	groutine.Go(ctx, "read-watch", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		results := make(chan error, 1)
		for {
			readOnce(op, t, func(data []byte, err error) {
				if err == nil {
					printRead(out, t, data, true)
				}
				results <- err
			})
			select {
			case <-ctx.Done():
				return
			case err := <-results:
				if err != nil {
					op.End(err)
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

func printRead(out io.Writer, t readTarget, data []byte, labelled bool) {
	var value string
	switch {
	case readHex:
		value = formatHex(data)
	case !t.desc.IsNil():
		decoded, err := device.DecodeDescriptor(t.desc, data)
		if err != nil || decoded == nil {
			value = formatValue(data)
		} else {
			value = formatDescriptor(decoded)
		}
	case !labelled:
		// raw bytes for piping
		_, _ = out.Write(data)
		return
	default:
		value = formatValue(data)
	}

	if labelled {
		fmt.Fprintf(out, "%s: %s\n", t.label(), value)
	} else {
		fmt.Fprintln(out, value)
	}
}
