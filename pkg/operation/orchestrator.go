// Package operation runs a complete peripheral interaction: connect, discover
// every service and its characteristics, hand control to an execute step, then
// disconnect and report a single outcome.
package operation

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/session"
	"github.com/srg/gattkit/pkg/config"
)

// State is the orchestrator's position in a run.
type State int32

const (
	StateStart State = iota
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateExecuting
	StateEnding
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateDiscoveringCharacteristics:
		return "discovering_characteristics"
	case StateExecuting:
		return "executing"
	case StateEnding:
		return "ending"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ExecuteFunc performs the caller's work once discovery has finished. It runs
// on the main queue and must call End, directly or from a later callback.
type ExecuteFunc func(op *Orchestrator)

// Orchestrator drives one session through a connect/discover/execute/disconnect
// cycle. Runs do not overlap; all transitions happen on the main queue.
type Orchestrator struct {
	session *session.Session
	queue   *dispatch.Queue
	cfg     *config.Config
	logger  *logrus.Logger
	running atomic.Bool
	state   atomic.Int32

	// run state, main queue only
	execute    ExecuteFunc
	onComplete func(error)
	err        error
	ended      bool
	services   []device.Service
	next       int
}

// New creates an orchestrator for p's session in reg. cfg may be nil.
func New(reg *session.Registry, p *device.Peripheral, cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Orchestrator{
		session: reg.Get(p),
		queue:   reg.Queue(),
		cfg:     cfg,
		logger:  logger,
	}
}

// Session returns the session the orchestrator drives.
func (o *Orchestrator) Session() *session.Session {
	return o.session
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Timeouts returns the step timeouts used by the helpers.
func (o *Orchestrator) Timeouts() config.Timeouts {
	return o.cfg.Timeouts
}

func (o *Orchestrator) log() *logrus.Entry {
	return o.logger.WithFields(logrus.Fields{
		"address": o.session.Address(),
		"state":   o.State(),
	})
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.log().Debug("Operation state changed")
}

// Start begins a run. onComplete receives the first error recorded during the
// run, or nil, exactly once. A Start while a run is active is completed with
// PreconditionFailed and leaves the active run untouched.
func (o *Orchestrator) Start(execute ExecuteFunc, onComplete func(error)) {
	if !o.running.CompareAndSwap(false, true) {
		o.queue.Post("operation.rejected", func() {
			if onComplete != nil {
				onComplete(device.PreconditionFailed("operation already running"))
			}
		})
		return
	}

	o.queue.Post("operation.start", func() {
		o.execute = execute
		o.onComplete = onComplete
		o.err = nil
		o.ended = false
		o.services = nil
		o.next = 0

		o.setState(StateConnecting)
		o.session.Connect(o.cfg.ConnectOptions(), o.onConnected, o.onDisconnected)
	})
}

// End finishes the run with err (nil for success). Only the first call counts.
func (o *Orchestrator) End(err error) {
	o.queue.Post("operation.end", func() {
		o.end(err)
	})
}

func (o *Orchestrator) end(err error) {
	if o.ended {
		return
	}
	o.ended = true
	if o.err == nil {
		o.err = err
	}
	if err != nil {
		o.log().WithField("error", err).Warn("Operation ending with error")
	}
	o.setState(StateEnding)
	o.session.Disconnect(err)
}

func (o *Orchestrator) onConnected() {
	if o.ended {
		return
	}
	o.setState(StateDiscoveringServices)
	o.session.DiscoverServices(o.cfg.Timeouts.DiscoverServices, func(services []device.Service, err error) {
		if o.ended {
			return
		}
		if err != nil {
			o.end(err)
			return
		}
		if len(services) == 0 {
			o.end(device.OperationFailed("discoverServices").WithAttribute(device.AttrMessage, "no services"))
			return
		}
		o.services = services
		o.next = 0
		o.discoverNext()
	})
}

// discoverNext walks the services one at a time.
func (o *Orchestrator) discoverNext() {
	if o.ended {
		return
	}
	if o.next >= len(o.services) {
		o.setState(StateExecuting)
		o.runExecute()
		return
	}

	svc := o.services[o.next]
	o.setState(StateDiscoveringCharacteristics)
	o.session.DiscoverCharacteristics(svc.ID, o.cfg.Timeouts.DiscoverCharacteristics, func(_ []device.Characteristic, err error) {
		if o.ended {
			return
		}
		if err != nil {
			o.end(err)
			return
		}
		o.next++
		o.discoverNext()
	})
}

func (o *Orchestrator) runExecute() {
	if o.execute == nil {
		o.end(nil)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log().WithField("panic", r).Error("Execute step panicked")
			o.end(device.Errorf(device.CodeOperationFailed, "execute panicked: %v", r))
		}
	}()
	o.execute(o)
}

func (o *Orchestrator) onDisconnected(err error) {
	if o.err == nil {
		o.err = err
	}
	if !o.ended {
		o.ended = true
		o.log().WithField("error", err).Warn("Session ended before the operation finished")
	}
	o.setState(StateCompleted)

	result := o.err
	cb := o.onComplete
	o.execute = nil
	o.onComplete = nil
	o.running.Store(false)

	o.log().WithField("error", result).Info("Operation completed")
	if cb != nil {
		cb(result)
	}
}

// Services returns the services discovered in the current run, with their characteristics.
func (o *Orchestrator) Services() []device.Service {
	return o.session.Services()
}

// FindService looks up a discovered service.
func (o *Orchestrator) FindService(id device.Identity) (device.Service, bool) {
	for _, s := range o.Services() {
		if s.ID == id {
			return s, true
		}
	}
	return device.Service{}, false
}

// FindCharacteristic looks up a discovered characteristic in any service.
func (o *Orchestrator) FindCharacteristic(id device.Identity) (device.Characteristic, bool) {
	for _, s := range o.Services() {
		if c, ok := s.Characteristic(id); ok {
			return c, true
		}
	}
	return device.Characteristic{}, false
}

// RequireService is FindService failing with OperationFailed.
func (o *Orchestrator) RequireService(id device.Identity) (device.Service, error) {
	s, ok := o.FindService(id)
	if !ok {
		return s, device.OperationFailed("requireService").WithAttribute(device.AttrMessage, "service "+id.Short()+" not found")
	}
	return s, nil
}

// RequireCharacteristic is FindCharacteristic failing with OperationFailed.
func (o *Orchestrator) RequireCharacteristic(id device.Identity) (device.Characteristic, error) {
	c, ok := o.FindCharacteristic(id)
	if !ok {
		return c, device.OperationFailed("requireCharacteristic").WithAttribute(device.AttrMessage, "characteristic "+id.Short()+" not found")
	}
	return c, nil
}
