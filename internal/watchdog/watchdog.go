// Package watchdog implements named single-shot timers that force a local
// failure when an expected asynchronous event does not arrive in time.
package watchdog

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

// Bucket names the kind of operation a watchdog guards.
type Bucket string

const (
	BucketConnect                 Bucket = "connect"
	BucketDisconnect              Bucket = "disconnect"
	BucketDiscoverServices        Bucket = "discover_services"
	BucketDiscoverCharacteristics Bucket = "discover_characteristics"
	BucketReadCharacteristic      Bucket = "read_characteristic"
	BucketWriteCharacteristic     Bucket = "write_characteristic"
	BucketNotifyState             Bucket = "notify_state"
	BucketReadDescriptor          Bucket = "read_descriptor"
	BucketWriteDescriptor         Bucket = "write_descriptor"
	BucketReadRSSI                Bucket = "read_rssi"
	BucketPollRSSI                Bucket = "poll_rssi"
	BucketRequestMTU              Bucket = "request_mtu"
)

const separator = "__"

// ID identifies one watchdog. Two IDs are equal when all fields are equal, so
// the same operation on the same attribute of the same peripheral always maps
// to the same timer.
type ID struct {
	Address        string
	Bucket         Bucket
	Characteristic device.Identity
	Descriptor     device.Identity
}

// ForPeripheral returns the ID of a peripheral-wide operation.
func ForPeripheral(address string, bucket Bucket) ID {
	return ID{Address: address, Bucket: bucket}
}

// ForCharacteristic returns the ID of an operation on one characteristic.
func ForCharacteristic(address string, char device.Identity, bucket Bucket) ID {
	return ID{Address: address, Bucket: bucket, Characteristic: char}
}

// ForDescriptor returns the ID of an operation on one descriptor.
func ForDescriptor(address string, char, desc device.Identity, bucket Bucket) ID {
	return ID{Address: address, Bucket: bucket, Characteristic: char, Descriptor: desc}
}

// String renders the textual timer id: addr__bucket, addr__ch_<uuid>__bucket or
// addr__ch_<uuid>__de_<uuid>__bucket.
func (id ID) String() string {
	parts := []string{id.Address}
	if !id.Characteristic.IsNil() {
		parts = append(parts, "ch_"+id.Characteristic.String())
	}
	if !id.Descriptor.IsNil() {
		parts = append(parts, "de_"+id.Descriptor.String())
	}
	parts = append(parts, string(id.Bucket))
	return strings.Join(parts, separator)
}

// Poster serializes timer expiry onto the caller's execution context.
type Poster interface {
	Post(name string, fn func()) bool
}

type entry struct {
	gen     uint64
	timer   *time.Timer
	timeout time.Duration
	started time.Time
}

// Registry owns every armed watchdog. Expiry callbacks run through the Poster,
// so as long as Start and Cancel are also called from that context, a timer
// canceled before its expiry task runs never fires.
type Registry struct {
	poster Poster
	logger *logrus.Logger

	mu     sync.Mutex
	timers map[ID]*entry
	gen    uint64
}

// NewRegistry creates a registry that delivers expiry on poster.
func NewRegistry(poster Poster, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		poster: poster,
		logger: logger,
		timers: make(map[ID]*entry),
	}
}

// Start arms a single-shot timer, superseding any timer with the same id.
// A non-positive timeout disables the watchdog: nothing is armed.
func (r *Registry) Start(id ID, timeout time.Duration, fire func()) {
	r.Cancel(id)
	if timeout <= 0 {
		return
	}

	r.mu.Lock()
	r.gen++
	gen := r.gen
	e := &entry{gen: gen, timeout: timeout, started: time.Now()}
	e.timer = time.AfterFunc(timeout, func() {
		r.expire(id, gen, fire)
	})
	r.timers[id] = e
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"watchdog": id.String(),
		"timeout":  timeout,
	}).Debug("Watchdog armed")
}

func (r *Registry) expire(id ID, gen uint64, fire func()) {
	r.poster.Post("watchdog:"+id.String(), func() {
		r.mu.Lock()
		e, ok := r.timers[id]
		if !ok || e.gen != gen {
			r.mu.Unlock()
			return
		}
		delete(r.timers, id)
		r.mu.Unlock()

		r.logger.WithFields(logrus.Fields{
			"watchdog": id.String(),
			"timeout":  e.timeout,
		}).Debug("Watchdog fired")
		fire()
	})
}

// Cancel disarms the timer. Canceling an unknown or already fired id is a no-op.
func (r *Registry) Cancel(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.timers, id)
	return true
}

// CancelAll disarms every timer belonging to address and returns how many were active.
func (r *Registry) CancelAll(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.timers {
		if id.Address != address {
			continue
		}
		e.timer.Stop()
		delete(r.timers, id)
		n++
	}

	if n > 0 {
		r.logger.WithFields(logrus.Fields{
			"address":  address,
			"canceled": n,
		}).Debug("Canceled all watchdogs for peripheral")
	}
	return n
}

// IsActive reports whether id is armed.
func (r *Registry) IsActive(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

// Remaining reports how much of the timeout is left for id, or 0 when it is not armed.
func (r *Registry) Remaining(id ID) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[id]
	if !ok {
		return 0
	}
	left := e.timeout - time.Since(e.started)
	if left < 0 {
		return 0
	}
	return left
}

// Active lists the armed ids for address.
func (r *Registry) Active(address string) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []ID
	for id := range r.timers {
		if id.Address == address {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of armed timers across all peripherals.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
