package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/groutine"
	"github.com/srg/gattkit/pkg/operation"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> [uuid[,uuid...]]",
	Short: "Stream notifications or indications from characteristics",
	Long: fmt.Sprintf(`Enables notifications (or indications) and prints every value change.

Examples:
  # Stream battery level changes
  gattkit subscribe %s 2a19

  # Subscribe to all notifiable characteristics in a service
  gattkit subscribe %s --service 6e400001-b5a3-f393-e0a9-e50e24dcca9e

  # Batched mode: print what arrived every second
  gattkit subscribe %s 2a37,2a38 --mode batched --rate 1s

  # Only the latest value per characteristic, stop after 30s
  gattkit subscribe %s 2a37 --mode latest --duration 30s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeHex         bool
	subscribeMode        string
	subscribeRate        time.Duration
	subscribeDuration    time.Duration
	subscribeCount       int
	subscribeBuffer      int
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (subscribes to all its notifiable characteristics if no UUID is given)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as compact hex string")
	subscribeCmd.Flags().StringVar(&subscribeMode, "mode", "live", "Stream mode: live, batched, or latest")
	subscribeCmd.Flags().DurationVar(&subscribeRate, "rate", time.Second, "Flush interval for batched/latest modes")
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this long (0 to run until Ctrl+C)")
	subscribeCmd.Flags().IntVar(&subscribeCount, "count", 0, "Stop after this many notifications (0 for unlimited)")
	subscribeCmd.Flags().IntVar(&subscribeBuffer, "buffer", 64*1024, "Bytes buffered between flushes in batched mode")
}

// streamMode says how notifications reach the output.
type streamMode int

const (
	streamLive streamMode = iota
	streamBatched
	streamLatest
)

func parseStreamMode(mode string) (streamMode, error) {
	switch strings.ToLower(mode) {
	case "live", "instant", "every":
		return streamLive, nil
	case "batched", "batch":
		return streamBatched, nil
	case "latest", "aggregated":
		return streamLatest, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: use live, batched, or latest", mode)
	}
}

// notificationSink formats value changes and releases them according to its
// mode. Batched lines wait in a fixed-size ring buffer; lines that do not fit
// are dropped and counted.
type notificationSink struct {
	mode streamMode
	out  io.Writer
	hex  bool

	mu      sync.Mutex
	buf     *ringbuffer.RingBuffer
	latest  *orderedmap.OrderedMap[device.Identity, []byte]
	dropped int
}

func newNotificationSink(mode streamMode, out io.Writer, hex bool, bufSize int) *notificationSink {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &notificationSink{
		mode:   mode,
		out:    out,
		hex:    hex,
		buf:    ringbuffer.New(bufSize),
		latest: orderedmap.New[device.Identity, []byte](),
	}
}

func (s *notificationSink) line(char device.Identity, data []byte) string {
	if s.hex {
		return char.Short() + ": " + formatHex(data) + "\n"
	}
	return char.Short() + ": " + formatValue(data) + "\n"
}

// Add records one value change.
func (s *notificationSink) Add(char device.Identity, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case streamLive:
		_, _ = io.WriteString(s.out, s.line(char, data))
	case streamBatched:
		line := s.line(char, data)
		if s.buf.Free() < len(line) {
			s.dropped++
			return
		}
		if _, err := s.buf.Write([]byte(line)); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
			s.dropped++
		}
	case streamLatest:
		s.latest.Set(char, append([]byte(nil), data...))
	}
}

// Flush writes everything held back since the previous flush.
func (s *notificationSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case streamBatched:
		chunk := make([]byte, 4096)
		for {
			n, err := s.buf.TryRead(chunk)
			if n > 0 {
				_, _ = s.out.Write(chunk[:n])
			}
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
		}
	case streamLatest:
		for pair := s.latest.Oldest(); pair != nil; pair = pair.Next() {
			_, _ = io.WriteString(s.out, s.line(pair.Key, pair.Value))
		}
		s.latest = orderedmap.New[device.Identity, []byte]()
	}
	if s.dropped > 0 {
		fmt.Fprintf(s.out, "(dropped %d notifications)\n", s.dropped)
		s.dropped = 0
	}
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]

	mode, err := parseStreamMode(subscribeMode)
	if err != nil {
		return err
	}
	if mode != streamLive && subscribeRate <= 0 {
		return fmt.Errorf("--rate must be positive for %s mode", subscribeMode)
	}
	service, err := parseOptionalUUID("service", subscribeServiceUUID)
	if err != nil {
		return err
	}
	var ids []device.Identity
	if len(args) == 2 {
		if ids, err = parseCSVUUIDs(args[1]); err != nil {
			return err
		}
	} else if service.IsNil() {
		return fmt.Errorf("UUID required: provide characteristic UUID(s) or --service")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	sink := newNotificationSink(mode, cmd.OutOrStdout(), subscribeHex, subscribeBuffer)
	if mode != streamLive {
		groutine.Go(ctx, "subscribe-flush", func(ctx context.Context) {
			ticker := time.NewTicker(subscribeRate)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sink.Flush()
				}
			}
		})
	}

	var streaming atomic.Bool
	err = a.runOperation(ctx, address, func(op *operation.Orchestrator) {
		chars, err := resolveCharacteristics(op.Services(), service, ids, device.PropNotify|device.PropIndicate)
		if err != nil {
			op.End(err)
			return
		}
		for _, c := range chars {
			if !c.Properties.Has(device.PropNotify) && !c.Properties.Has(device.PropIndicate) {
				op.End(fmt.Errorf("characteristic %s does not support notifications or indications", c.ID.Short()))
				return
			}
		}

		// these are only touched on the main queue
		subscribed, stopping, stopRequested := false, false, false
		received := 0
		stop := func() {
			if stopping {
				return
			}
			if !subscribed {
				// disabling must wait for the enable requests to finish
				stopRequested = true
				return
			}
			stopping = true
			steps := make([]step, len(chars))
			for i, c := range chars {
				steps[i] = func(next func()) {
					op.Notify(c.ID, false, nil, func(error) { next() })
				}
			}
			runSteps(steps, func() { op.End(nil) })
		}

		onValue := func(char device.Identity, data []byte, err error) {
			if err != nil || stopping || stopRequested {
				return
			}
			sink.Add(char, data)
			received++
			if subscribeCount > 0 && received >= subscribeCount {
				stop()
			}
		}

		steps := make([]step, len(chars))
		for i, c := range chars {
			steps[i] = func(next func()) {
				op.Notify(c.ID, true, onValue, func(err error) {
					if err != nil {
						op.End(err)
						return
					}
					next()
				})
			}
		}
		runSteps(steps, func() {
			subscribed = true
			streaming.Store(true)
			if stopRequested {
				stop()
				return
			}
			if subscribeDuration > 0 {
				time.AfterFunc(subscribeDuration, func() {
					a.queue.Post("subscribe.stop", stop)
				})
			}
		})
	})
	sink.Flush()

	if err != nil && streaming.Load() && lostConnection(err) {
		return fmt.Errorf("%w: %s", ErrConnectionLost, FormatUserError(err))
	}
	return err
}

// lostConnection reports whether err came from the link dropping rather than
// from a request.
func lostConnection(err error) bool {
	e := device.AsError(err)
	return e.Code == device.CodeDisconnected || e.Attribute(device.AttrMethod) == "onConnectionStateChange"
}
