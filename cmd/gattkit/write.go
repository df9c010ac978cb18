package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/pkg/operation"
)

// defaultATTMTU is the MTU every link starts with before an exchange.
const defaultATTMTU = 23

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic or descriptor",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic or descriptor.

Examples:
  # Write to characteristic (string data)
  gattkit write %s 2a06 "high"

  # Write hex data
  gattkit write %s 2a06 01 --hex

  # Write to descriptor (enable notifications)
  gattkit write %s 2a37 0100 --desc 2902 --hex

  # Write without response (faster, no ACK)
  gattkit write %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeDescUUID    string
	writeHex         bool
	writeNoResponse  bool
	writeChunkSize   int
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().StringVar(&writeDescUUID, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk", 0, "Force writes into N-byte chunks; default 0, auto-detect from MTU")
}

func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}

// chunks splits data into pieces of at most size bytes.
func chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

// writeMode picks the write type from the characteristic properties.
func writeMode(char device.Characteristic) (withResponse bool, err error) {
	canWrite := char.Properties.Has(device.PropWrite)
	canWriteNR := char.Properties.Has(device.PropWriteNR)
	switch {
	case writeNoResponse && canWriteNR:
		return false, nil
	case writeNoResponse:
		return false, fmt.Errorf("characteristic %s does not support write without response", char.ID.Short())
	case canWrite:
		return true, nil
	case canWriteNR:
		return false, nil
	default:
		return false, fmt.Errorf("characteristic %s is not writable", char.ID.Short())
	}
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]

	id, err := device.ParseIdentity(args[1])
	if err != nil {
		return err
	}
	data, err := parseWriteData(args[2])
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("no data to write")
	}
	service, err := parseOptionalUUID("service", writeServiceUUID)
	if err != nil {
		return err
	}
	desc, err := parseOptionalUUID("desc", writeDescUUID)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	var target string
	err = a.runOperation(ctx, address, func(op *operation.Orchestrator) {
		char, err := resolveCharacteristic(op.Services(), service, id)
		if err != nil {
			op.End(err)
			return
		}

		if !desc.IsNil() {
			if _, err := resolveDescriptor(char, desc); err != nil {
				op.End(err)
				return
			}
			target = "descriptor " + desc.Short()
			op.WriteDescriptor(char.ID, desc, data, op.End)
			return
		}

		withResponse, err := writeMode(char)
		if err != nil {
			op.End(err)
			return
		}
		size := writeChunkSize
		if size <= 0 {
			mtu := op.Session().Peripheral().MTU()
			if mtu <= 0 {
				mtu = defaultATTMTU
			}
			size = mtu - 3
		}

		target = "characteristic " + char.ID.Short()
		parts := chunks(data, size)
		steps := make([]step, len(parts))
		for i, part := range parts {
			steps[i] = func(next func()) {
				op.WriteBytes(char.ID, part, withResponse, func(err error) {
					if err != nil {
						op.End(err)
						return
					}
					next()
				})
			}
		}
		runSteps(steps, func() { op.End(nil) })
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), target)
	return nil
}
