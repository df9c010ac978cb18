package scanner

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/groutine"
	"github.com/srg/gattkit/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// EventType marks how the nearby set changed for a peripheral.
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
	EventEvicted
	// EventScanFailed carries the radio error that ended the scan.
	EventScanFailed
)

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventUpdated:
		return "updated"
	case EventEvicted:
		return "evicted"
	case EventScanFailed:
		return "scan_failed"
	default:
		return "unknown"
	}
}

// Event is a single change of the nearby set.
type Event struct {
	Type       EventType
	Peripheral device.PeripheralInfo
	Err        error
}

// Options tunes the scanner. Zero fields take the tag defaults.
type Options struct {
	// StaleThreshold evicts peripherals not heard from for this long.
	StaleThreshold time.Duration `default:"10s"`
	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration `default:"1s"`
	// RingSize bounds advertisements buffered between the radio and the worker.
	RingSize uint32 `default:"256"`
	// EventBuffer bounds the Events stream; the oldest events are dropped.
	EventBuffer int `default:"100"`
}

// sighting is an advertisement as received, stamped with the scan run it belongs to.
type sighting struct {
	adv device.Advertisement
	at  time.Time
	run uint64
}

// Scanner discovers nearby peripherals. Advertisements go through a
// non-blocking ring buffer to a worker queue that applies the filter chain and
// maintains the nearby set sorted by descending RSSI.
type Scanner struct {
	radio  device.Radio
	opts   Options
	logger *logrus.Logger

	// Now is the clock for sighting stamps and the staleness sweep.
	Now func() time.Time

	intake   mpmc.RichOverlappedRingBuffer[sighting]
	draining atomic.Bool
	worker   *dispatch.Queue
	events   *ringchan.RingChannel[Event]
	run      atomic.Uint64
	scanning atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	filters  []Filter
	onUpdate func([]*device.Peripheral)
	ignored  map[string]struct{}
	nearby   *orderedmap.OrderedMap[string, *device.Peripheral]
}

// New creates a scanner over radio. opts may be nil.
func New(radio device.Radio, opts *Options, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	return &Scanner{
		radio:   radio,
		opts:    o,
		logger:  logger,
		Now:     time.Now,
		intake:  mpmc.NewOverlappedRingBuffer[sighting](o.RingSize),
		worker:  dispatch.New("ble-scanner", logger),
		events:  ringchan.New[Event](o.EventBuffer),
		ignored: make(map[string]struct{}),
		nearby:  orderedmap.New[string, *device.Peripheral](),
	}
}

func key(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Start begins scanning for peripherals advertising any of serviceIDs (all
// peripherals when empty). It clears the ignore list and the nearby set. A
// running scan is stopped first. onUpdate receives the sorted nearby set after
// every change, on the scanner's worker goroutine.
func (s *Scanner) Start(serviceIDs []device.Identity, filters []Filter, onUpdate func([]*device.Peripheral)) error {
	if s.radio == nil {
		return device.PreconditionFailed("scanner has no radio")
	}
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	run := s.run.Add(1)

	s.mu.Lock()
	s.cancel = cancel
	s.filters = append([]Filter(nil), filters...)
	s.onUpdate = onUpdate
	s.ignored = make(map[string]struct{})
	s.nearby = orderedmap.New[string, *device.Peripheral]()
	s.mu.Unlock()
	s.scanning.Store(true)

	s.logger.WithFields(logrus.Fields{
		"services": len(serviceIDs),
		"filters":  len(filters),
	}).Info("Starting BLE scan...")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := s.radio.Scan(ctx, serviceIDs, func(adv device.Advertisement) {
			s.onAdvertisement(run, adv)
		})
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			s.logger.WithField("error", err).Error("BLE scan failed")
			if s.run.Load() == run {
				s.scanning.Store(false)
			}
			s.events.Send(Event{Type: EventScanFailed, Err: err})
			return
		}
		s.logger.Debug("BLE scan finished")
	})

	groutine.Go(ctx, "ble-scan-sweep", func(ctx context.Context) {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.worker.Post("sweep", func() { s.sweep(run) })
			}
		}
	})
	return nil
}

// Stop ends the scan and the staleness sweep. The nearby set is kept.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.scanning.Store(false)
	s.run.Add(1)
	cancel()
	s.logger.Info("BLE scan stopped")
}

// Close stops scanning and releases the worker and the event stream.
func (s *Scanner) Close() {
	s.Stop()
	s.worker.Close()
	s.events.Close()
}

// IsScanning reports whether a scan is running.
func (s *Scanner) IsScanning() bool {
	return s.scanning.Load()
}

// Ignore drops every further sighting of address until the next Start.
func (s *Scanner) Ignore(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignored[key(address)] = struct{}{}
}

// IsIgnored reports whether address is on the ignore list.
func (s *Scanner) IsIgnored(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ignored[key(address)]
	return ok
}

// Nearby returns the nearby set sorted by descending RSSI. Equal RSSI keeps
// first-seen order.
func (s *Scanner) Nearby() []*device.Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Events streams changes of the nearby set. Slow consumers lose the oldest events.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// onAdvertisement runs on the radio's goroutine and must never block.
func (s *Scanner) onAdvertisement(run uint64, adv device.Advertisement) {
	if !s.scanning.Load() || s.run.Load() != run || s.IsIgnored(adv.Addr()) {
		return
	}
	if overwrites, err := s.intake.EnqueueM(sighting{adv: adv, at: s.Now(), run: run}); err != nil {
		s.logger.WithField("error", err).Warn("Failed to buffer advertisement")
		return
	} else if overwrites > 0 {
		s.logger.WithField("dropped", overwrites).Debug("Advertisement buffer overflow")
	}

	if s.draining.CompareAndSwap(false, true) {
		s.worker.Post("drain", s.drain)
	}
}

func (s *Scanner) drain() {
	// clear first so a sighting enqueued from now on schedules another drain
	s.draining.Store(false)
	for !s.intake.IsEmpty() {
		sg, err := s.intake.Dequeue()
		if err != nil {
			return
		}
		s.handle(sg)
	}
}

func (s *Scanner) handle(sg sighting) {
	if sg.run != s.run.Load() {
		return
	}
	addr := key(sg.adv.Addr())
	if addr == "" {
		return
	}

	s.mu.Lock()
	if _, ignored := s.ignored[addr]; ignored {
		s.mu.Unlock()
		return
	}

	p, existing := s.nearby.Get(addr)
	if existing {
		p.UpdateFromAdvertisement(sg.adv, sg.at)
	} else {
		p = device.NewPeripheralFromAdvertisement(sg.adv, sg.at)
	}

	log := s.logger.WithFields(logrus.Fields{
		"address": p.Address(),
		"name":    p.Name(),
		"rssi":    p.RSSI(),
	})

	var ev Event
	result := s.applyFilters(p)
	switch {
	case result == IgnoreForever:
		s.ignored[addr] = struct{}{}
		if !existing {
			s.mu.Unlock()
			log.Debug("Ignoring peripheral for the rest of the scan")
			return
		}
		s.nearby.Delete(addr)
		ev = Event{Type: EventEvicted, Peripheral: p.Snapshot()}
	case existing && s.outOfRange(p):
		s.nearby.Delete(addr)
		ev = Event{Type: EventEvicted, Peripheral: p.Snapshot()}
		log.Debug("Peripheral out of range")
	case result == IgnoreOnce, !existing && s.outOfRange(p):
		s.mu.Unlock()
		return
	case existing:
		ev = Event{Type: EventUpdated, Peripheral: p.Snapshot()}
	default:
		s.nearby.Set(addr, p)
		ev = Event{Type: EventNew, Peripheral: p.Snapshot()}
		log.Info("Discovered new peripheral")
	}

	sorted := s.sortedLocked()
	onUpdate := s.onUpdate
	s.mu.Unlock()

	s.events.Send(ev)
	if onUpdate != nil {
		onUpdate(sorted)
	}
}

func (s *Scanner) applyFilters(p *device.Peripheral) FilterResult {
	for _, f := range s.filters {
		if r := f.ShouldDiscover(p); r != Discover {
			return r
		}
	}
	return Discover
}

func (s *Scanner) outOfRange(p *device.Peripheral) bool {
	for _, f := range s.filters {
		if rf, ok := f.(OutOfRangeFilter); ok && rf.CheckRange(p) == OutOfRange {
			return true
		}
	}
	return false
}

// sweep evicts stale and out-of-range peripherals and notifies only when the set changed.
func (s *Scanner) sweep(run uint64) {
	if run != s.run.Load() {
		return
	}
	now := s.Now()

	s.mu.Lock()
	var evicted []device.PeripheralInfo
	for pair := s.nearby.Oldest(); pair != nil; {
		next := pair.Next()
		p := pair.Value
		if p.TimeSinceLastSeen(now) > s.opts.StaleThreshold || s.outOfRange(p) {
			s.nearby.Delete(pair.Key)
			evicted = append(evicted, p.Snapshot())
		}
		pair = next
	}
	if len(evicted) == 0 {
		s.mu.Unlock()
		return
	}
	sorted := s.sortedLocked()
	onUpdate := s.onUpdate
	s.mu.Unlock()

	s.logger.WithField("count", len(evicted)).Debug("Evicted stale peripherals")
	for _, info := range evicted {
		s.events.Send(Event{Type: EventEvicted, Peripheral: info})
	}
	if onUpdate != nil {
		onUpdate(sorted)
	}
}

func (s *Scanner) sortedLocked() []*device.Peripheral {
	list := make([]*device.Peripheral, 0, s.nearby.Len())
	for pair := s.nearby.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	slices.SortStableFunc(list, func(a, b *device.Peripheral) int {
		return b.RSSI() - a.RSSI()
	})
	return list
}
