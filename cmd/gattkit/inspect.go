package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/pkg/operation"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services, characteristics, and descriptors of a BLE device",
	Long: fmt.Sprintf(`Connects to a BLE device by address and discovers its services,
characteristics, and descriptors. Readable characteristics and all descriptors
are read and decoded where their format is known.

Examples:
  gattkit inspect %s
  gattkit inspect %s --json --read-limit 0

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectJSON        bool
	inspectReadLimit   int
	inspectDescriptors bool
	inspectMTU         int
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes shown per readable characteristic (0 to disable reads)")
	inspectCmd.Flags().BoolVar(&inspectDescriptors, "descriptors", true, "Read and decode descriptor values")
	inspectCmd.Flags().IntVar(&inspectMTU, "mtu", 0, "Request this ATT MTU before reading (0 to skip)")
}

type descriptorReport struct {
	UUID  device.Identity `json:"uuid"`
	Name  string          `json:"name,omitempty"`
	Value interface{}     `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

type characteristicReport struct {
	UUID        device.Identity    `json:"uuid"`
	Name        string             `json:"name,omitempty"`
	Properties  string             `json:"properties"`
	Value       []byte             `json:"value,omitempty"`
	Truncated   bool               `json:"truncated,omitempty"`
	Error       string             `json:"error,omitempty"`
	Descriptors []descriptorReport `json:"descriptors,omitempty"`

	props device.Property
	read  bool
}

type serviceReport struct {
	UUID            device.Identity        `json:"uuid"`
	Name            string                 `json:"name,omitempty"`
	Characteristics []characteristicReport `json:"characteristics"`
}

type inspectReport struct {
	Address  string          `json:"address"`
	MTU      int             `json:"mtu,omitempty"`
	Services []serviceReport `json:"services"`
}

func newInspectReport(address string, services []device.Service) *inspectReport {
	r := &inspectReport{Address: address, Services: make([]serviceReport, 0, len(services))}
	for _, svc := range services {
		sr := serviceReport{UUID: svc.ID, Name: svc.ID.Name(), Characteristics: make([]characteristicReport, 0, len(svc.Characteristics))}
		for _, c := range svc.Characteristics {
			cr := characteristicReport{UUID: c.ID, Name: c.ID.Name(), Properties: c.Properties.String(), props: c.Properties}
			for _, d := range c.Descriptors {
				cr.Descriptors = append(cr.Descriptors, descriptorReport{UUID: d.ID, Name: d.ID.Name()})
			}
			sr.Characteristics = append(sr.Characteristics, cr)
		}
		r.Services = append(r.Services, sr)
	}
	return r
}

// inspectSteps reads every readable characteristic and each descriptor into r.
// Individual read failures are recorded in the report, not returned.
func inspectSteps(op *operation.Orchestrator, r *inspectReport) []step {
	var steps []step
	if inspectMTU > 0 {
		steps = append(steps, func(next func()) {
			op.RequestMTU(inspectMTU, func(mtu int, err error) {
				if err == nil {
					r.MTU = mtu
				}
				next()
			})
		})
	}

	for si := range r.Services {
		for ci := range r.Services[si].Characteristics {
			cr := &r.Services[si].Characteristics[ci]
			if inspectReadLimit > 0 && cr.props.Has(device.PropRead) {
				steps = append(steps, func(next func()) {
					op.ReadBytes(cr.UUID, func(data []byte, err error) {
						if err != nil {
							cr.Error = FormatUserError(err)
						} else {
							if len(data) > inspectReadLimit {
								data, cr.Truncated = data[:inspectReadLimit], true
							}
							cr.Value, cr.read = data, true
						}
						next()
					})
				})
			}
			if !inspectDescriptors {
				continue
			}
			for di := range cr.Descriptors {
				dr := &cr.Descriptors[di]
				steps = append(steps, func(next func()) {
					op.ReadDescriptor(cr.UUID, dr.UUID, func(data []byte, err error) {
						if err == nil {
							dr.Value, err = device.DecodeDescriptor(dr.UUID, data)
						}
						if err != nil {
							dr.Error = FormatUserError(err)
						}
						next()
					})
				})
			}
		}
	}
	return steps
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	progress := newProgressPrinter(cmd, fmt.Sprintf("Inspecting device %s", address), "Connecting")
	progress.Start()
	defer progress.Stop()

	var report *inspectReport
	err = a.runOperation(ctx, address, func(op *operation.Orchestrator) {
		progress.SetPhase("Reading")
		report = newInspectReport(address, op.Services())
		runSteps(inspectSteps(op, report), func() { op.End(nil) })
	})
	progress.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if inspectJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	printInspectReport(out, report)
	return nil
}

func printInspectReport(out io.Writer, r *inspectReport) {
	fmt.Fprintf(out, "Device %s\n", nameColor.Sprint(r.Address))
	if r.MTU > 0 {
		fmt.Fprintf(out, "MTU: %d\n", r.MTU)
	}
	for _, s := range r.Services {
		fmt.Fprintf(out, "\nService %s\n", formatIdentity(s.UUID))
		for _, c := range s.Characteristics {
			fmt.Fprintf(out, "  Characteristic %s [%s]\n", formatIdentity(c.UUID), c.Properties)
			switch {
			case c.Error != "":
				fmt.Fprintf(out, "    Value: %s\n", errorColor.Sprint(c.Error))
			case c.read:
				suffix := ""
				if c.Truncated {
					suffix = " ..."
				}
				fmt.Fprintf(out, "    Value: %s%s\n", formatValue(c.Value), suffix)
			}
			for _, d := range c.Descriptors {
				fmt.Fprintf(out, "    Descriptor %s", formatIdentity(d.UUID))
				switch {
				case d.Error != "":
					fmt.Fprintf(out, ": %s", errorColor.Sprint(d.Error))
				case d.Value != nil:
					fmt.Fprintf(out, ": %s", formatDescriptor(d.Value))
				}
				fmt.Fprintln(out)
			}
		}
	}
}

func formatDescriptor(v interface{}) string {
	switch val := v.(type) {
	case []byte:
		return formatValue(val)
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%+v", val)
	}
}
