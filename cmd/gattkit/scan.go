package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Peripherals are listed strongest signal first. A peripheral that has not been
heard from for scan.stale_threshold (see --config) drops off the list.

Examples:
  # Scan for 10 seconds
  gattkit scan

  # Only devices whose name starts with "Nordic" and that are closer than -70 dBm
  gattkit scan --name-prefix Nordic --min-rssi -70

  # Devices advertising the battery service, live view until Ctrl+C
  gattkit scan --services 180f --watch`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanServices   []string
	scanNamePrefix string
	scanMinRSSI    int
	scanWatch      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringVar(&scanNamePrefix, "name-prefix", "", "Only show devices whose name starts with this prefix")
	scanCmd.Flags().IntVar(&scanMinRSSI, "min-rssi", 0, "Only show devices at or above this RSSI (0 to disable)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously redraw the device list")
}

func scanFilters() []scanner.Filter {
	var filters []scanner.Filter
	if scanNamePrefix != "" {
		filters = append(filters, scanner.NamePrefix(scanNamePrefix))
	}
	if scanMinRSSI != 0 {
		filters = append(filters, scanner.MinRSSI(scanMinRSSI))
	}
	return filters
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	var services []device.Identity
	if len(scanServices) > 0 {
		var err error
		if services, err = device.ParseIdentities(scanServices...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	if scanDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, scanDuration)
		defer cancel()
	}

	s := scanner.New(a.radio, a.cfg.ScannerOptions(), a.logger)
	defer s.Close()
	if err := s.Start(services, scanFilters(), nil); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	live := scanWatch && scanFormat == "table"

	var progress *ProgressPrinter
	if !live {
		progress = newCountdownProgressPrinter(cmd, "Scanning for BLE devices", "Scanning", scanDuration)
		progress.Start()
		defer progress.Stop()
	}

	err = watchScan(ctx, s, func() {
		if live {
			redraw(out, s.Nearby())
		}
	})
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		return err
	}

	nearby := s.Nearby()
	if scanFormat == "json" {
		return displayDevicesJSON(out, nearby)
	}
	if live {
		redraw(out, nearby)
		return nil
	}
	return displayDevicesTable(out, nearby)
}

// watchScan consumes scanner events until ctx ends, calling onChange at most
// every redrawInterval while the nearby set is changing.
func watchScan(ctx context.Context, s *scanner.Scanner, onChange func()) error {
	const redrawInterval = 250 * time.Millisecond
	ticker := time.NewTicker(redrawInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			// duration elapsed or Ctrl+C: both end with the results shown
			return nil
		case ev, ok := <-s.Events():
			if !ok {
				return nil
			}
			if ev.Type == scanner.EventScanFailed {
				return fmt.Errorf("scan failed: %w", ev.Err)
			}
			dirty = true
		case <-ticker.C:
			if dirty {
				dirty = false
				onChange()
			}
		}
	}
}

func redraw(out io.Writer, nearby []*device.Peripheral) {
	if isTerminal(out) {
		fmt.Fprint(out, "\033[2J\033[H")
	}
	_ = displayDevicesTable(out, nearby)
}

func displayDevicesTable(out io.Writer, nearby []*device.Peripheral) error {
	if len(nearby) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tADVS")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, p := range nearby {
		info := p.Snapshot()
		name := info.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		ids := make([]string, 0, len(info.Services))
		for _, id := range info.Services {
			ids = append(ids, id.Short())
		}
		services := strings.Join(ids, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			nameColor.Sprint(name), info.Address, formatRSSI(info.RSSI), services, info.AdvertisementCount)
	}

	return w.Flush()
}

func displayDevicesJSON(out io.Writer, nearby []*device.Peripheral) error {
	infos := make([]device.PeripheralInfo, len(nearby))
	for i, p := range nearby {
		infos[i] = p.Snapshot()
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(infos)
}
