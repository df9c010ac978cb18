package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/srg/gattkit/internal/watchdog"
	"github.com/stretchr/testify/suite"
)

const (
	testAddress = "AA:BB:CC:DD:EE:01"
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
	leafTimeout = 5 * time.Second
)

var (
	batteryService = device.MustParseIdentity("180f")
	batteryLevel   = device.MustParseIdentity("2a19")
	controlPoint   = device.MustParseIdentity("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	statusChar     = device.MustParseIdentity("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
	userDesc       = device.ShortIdentity(0x2901)
)

// connectResult collects the lifecycle callbacks of one connect cycle.
type connectResult struct {
	connected    chan struct{}
	disconnected chan error
}

func newConnectResult() *connectResult {
	return &connectResult{
		connected:    make(chan struct{}, 4),
		disconnected: make(chan error, 4),
	}
}

type SessionTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	radio    *testutils.FakeRadio
	queue    *dispatch.Queue
	registry *Registry
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.radio = testutils.NewFakeRadio().WithValue("2a19", []byte{87})
	s.queue = dispatch.New("main", s.helper.Logger)
	s.registry = NewRegistry(s.radio, s.queue, DefaultPolicy(), s.helper.Logger)
}

func (s *SessionTestSuite) TearDownTest() {
	s.queue.Close()
}

func (s *SessionTestSuite) useRegistry(policy Policy) {
	s.registry = NewRegistry(s.radio, s.queue, policy, s.helper.Logger)
}

func (s *SessionTestSuite) connect(sess *Session, opts ConnectOptions) *connectResult {
	res := newConnectResult()
	sess.Connect(opts,
		func() { res.connected <- struct{}{} },
		func(err error) { res.disconnected <- err },
	)
	return res
}

func (s *SessionTestSuite) mustConnect(opts ConnectOptions) (*Session, *connectResult) {
	sess := s.registry.GetAddress(testAddress)
	res := s.connect(sess, opts)
	select {
	case <-res.connected:
	case err := <-res.disconnected:
		s.Require().FailNow("connect MUST succeed", "got %v", err)
	case <-time.After(waitFor):
		s.Require().FailNow("connect MUST complete")
	}
	s.Require().Equal(StateConnected, sess.State())
	return sess, res
}

func (s *SessionTestSuite) mustDiscover(sess *Session) {
	services := make(chan []device.Service, 1)
	errs := make(chan error, 1)
	sess.DiscoverServices(leafTimeout, func(svcs []device.Service, err error) {
		services <- svcs
		errs <- err
	})
	s.Require().NoError(s.recvErr(errs))
	for _, svc := range <-services {
		sess.DiscoverCharacteristics(svc.ID, leafTimeout, func(_ []device.Characteristic, err error) {
			errs <- err
		})
		s.Require().NoError(s.recvErr(errs))
	}
}

func (s *SessionTestSuite) recvErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		s.Require().FailNow("callback MUST be delivered")
		return nil
	}
}

func (s *SessionTestSuite) requireCode(err error, code device.ErrorCode) *device.Error {
	s.Require().Error(err)
	e := device.AsError(err)
	s.Require().Equal(code, e.Code, "unexpected error: %v", err)
	return e
}

func (s *SessionTestSuite) TestConnectThenDisconnect() {
	// GOAL: Verify a clean connect/disconnect cycle reports success and releases the link
	//
	// TEST SCENARIO: Connect → onConnected → Disconnect(nil) → onDisconnected(nil) → link closed

	sess, res := s.mustConnect(ConnectOptions{})
	link := s.radio.LastLink()
	s.Require().NotNil(link)

	sess.Disconnect(nil)
	s.NoError(s.recvErr(res.disconnected), "caller-initiated disconnect MUST report no error")
	s.Equal(StateDisconnected, sess.State())
	s.True(link.IsClosed(), "link MUST be closed after disconnect")
	link.AssertNumberOfCalls(s.T(), "Disconnect", 1)
	s.Empty(s.registry.Watchdogs().Active(testAddress), "no watchdog MUST survive a disconnect")
}

func (s *SessionTestSuite) TestConnectTimeout() {
	// GOAL: Verify an unanswered connect times out, forces exactly one radio disconnect, and never reports connected
	//
	// TEST SCENARIO: Connect silent → connect watchdog fires → Disconnect issued once → onDisconnected(Timeout)

	s.radio.Script("Connect", testutils.Behavior{Mode: testutils.Silent})
	sess := s.registry.GetAddress(testAddress)
	res := s.connect(sess, ConnectOptions{ConnectTimeout: 50 * time.Millisecond})

	e := s.requireCode(s.recvErr(res.disconnected), device.CodeTimeout)
	s.Equal("connect", e.Attribute(device.AttrMethod))
	s.Empty(res.connected, "onConnected MUST NOT fire for a timed out connect")
	s.radio.LastLink().AssertNumberOfCalls(s.T(), "Disconnect", 1)
	s.Equal(StateDisconnected, sess.State())
}

func (s *SessionTestSuite) TestConnectNotIssued() {
	// GOAL: Verify a connect the radio refuses fails immediately with OperationFailed
	//
	// TEST SCENARIO: radio refuses Connect → onDisconnected(OperationFailed wrapping the cause)

	cause := errors.New("adapter powered off")
	s.radio.FailConnect(cause)
	sess := s.registry.GetAddress(testAddress)
	res := s.connect(sess, ConnectOptions{})

	err := s.recvErr(res.disconnected)
	s.requireCode(err, device.CodeOperationFailed)
	s.ErrorIs(err, cause)
	s.Empty(s.registry.Watchdogs().Active(testAddress))
}

func (s *SessionTestSuite) TestConnectRemoteFailure() {
	// GOAL: Verify a failed connect reported by the radio surfaces ConnectionFailed
	//
	// TEST SCENARIO: Connect answered with status 62 + disconnected → onDisconnected(ConnectionFailed)

	s.radio.Script("Connect", testutils.Behavior{Status: 62})
	sess := s.registry.GetAddress(testAddress)
	res := s.connect(sess, ConnectOptions{})

	s.requireCode(s.recvErr(res.disconnected), device.CodeConnectionFailed)
}

func (s *SessionTestSuite) TestConnectWhileConnected() {
	// GOAL: Verify a second connect on a live session is rejected without disturbing it
	//
	// TEST SCENARIO: connected session → Connect again → second onDisconnected(PreconditionFailed) → session still connected

	sess, _ := s.mustConnect(ConnectOptions{})
	second := s.connect(sess, ConnectOptions{})

	s.requireCode(s.recvErr(second.disconnected), device.CodePreconditionFailed)
	s.Equal(StateConnected, sess.State())
	s.radio.AssertNumberOfCalls(s.T(), "Connect", 1)
}

func (s *SessionTestSuite) TestRemoteDisconnect() {
	// GOAL: Verify an unsolicited disconnect carries the raw platform status
	//
	// TEST SCENARIO: connected → radio reports status 19 disconnected → onDisconnected(OperationFailed, gatt_status=19)

	_, res := s.mustConnect(ConnectOptions{})
	s.radio.LastLink().Emit(19, device.LinkDisconnected)

	e := s.requireCode(s.recvErr(res.disconnected), device.CodeOperationFailed)
	s.Equal("19", e.Attribute(device.AttrGattStatus))
}

func (s *SessionTestSuite) TestRemoteDisconnectWithoutStatus() {
	// GOAL: Verify a successful-status disconnect the caller did not request reports Disconnected
	//
	// TEST SCENARIO: connected → radio reports status 0 disconnected → onDisconnected(Disconnected)

	_, res := s.mustConnect(ConnectOptions{})
	s.radio.LastLink().Emit(device.GattStatusSuccess, device.LinkDisconnected)

	s.requireCode(s.recvErr(res.disconnected), device.CodeDisconnected)
}

func (s *SessionTestSuite) TestDisconnectWatchdog() {
	// GOAL: Verify a disconnect the radio never confirms completes locally once its watchdog fires
	//
	// TEST SCENARIO: Disconnect silent → disconnect watchdog fires → onDisconnected(Disconnected) → best effort second Disconnect

	s.radio.Script("Disconnect", testutils.Behavior{Mode: testutils.Silent})
	sess, res := s.mustConnect(ConnectOptions{DisconnectTimeout: 50 * time.Millisecond})
	link := s.radio.LastLink()

	sess.Disconnect(nil)
	s.requireCode(s.recvErr(res.disconnected), device.CodeDisconnected)
	s.Equal(StateDisconnected, sess.State())
	s.Eventually(func() bool { return link.CallCount("Disconnect") == 2 }, waitFor, tick,
		"a best effort radio disconnect MUST follow the local completion")
}

func (s *SessionTestSuite) TestDisconnectIsIdempotent() {
	// GOAL: Verify repeated disconnects issue a single radio disconnect and a single callback
	//
	// TEST SCENARIO: Disconnect ×3 → onDisconnected once → radio Disconnect once

	sess, res := s.mustConnect(ConnectOptions{})
	link := s.radio.LastLink()

	sess.Disconnect(nil)
	sess.Disconnect(nil)
	sess.Disconnect(errors.New("ignored"))

	s.NoError(s.recvErr(res.disconnected))
	time.Sleep(50 * time.Millisecond)
	s.Empty(res.disconnected, "onDisconnected MUST fire exactly once")
	link.AssertNumberOfCalls(s.T(), "Disconnect", 1)
}

func (s *SessionTestSuite) TestHardFailureReconnects() {
	// GOAL: Verify the 133 status quirk triggers a reconnect instead of a teardown
	//
	// TEST SCENARIO: connected → status 133 while connected → Reconnect issued → session stays connected

	sess, res := s.mustConnect(ConnectOptions{})
	link := s.radio.LastLink()
	link.Emit(device.GattStatusHardFailure, device.LinkConnected)

	s.Eventually(func() bool {
		return link.CallCount("Reconnect") == 1
	}, waitFor, tick, "Reconnect MUST be issued once")
	s.Equal(StateConnected, sess.State())
	s.Empty(res.disconnected)
}

func (s *SessionTestSuite) TestOperationsRequireConnection() {
	// GOAL: Verify every request on a session that is not connected fails with NotConnected
	//
	// TEST SCENARIO: idle session → each operation → NotConnected, nothing issued to the radio

	sess := s.registry.GetAddress(testAddress)
	errs := make(chan error, 8)

	sess.DiscoverServices(leafTimeout, func(_ []device.Service, err error) { errs <- err })
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func(_ []byte, err error) { errs <- err })
	sess.WriteCharacteristic(batteryLevel, []byte{1}, true, leafTimeout, func(err error) { errs <- err })
	sess.SetNotifyState(batteryLevel, true, leafTimeout, nil, func(err error) { errs <- err })
	sess.ReadRSSI(leafTimeout, func(_ int, err error) { errs <- err })
	sess.RequestMTU(185, leafTimeout, func(_ int, err error) { errs <- err })

	for i := 0; i < 6; i++ {
		s.requireCode(s.recvErr(errs), device.CodeNotConnected)
	}
	s.Empty(s.radio.Links())
}

func (s *SessionTestSuite) TestWriteToUndiscoveredCharacteristic() {
	// GOAL: Verify a write to an identity never discovered fails locally without touching the radio
	//
	// TEST SCENARIO: connected, no discovery → WriteCharacteristic → OperationFailed(NotFound) → zero radio writes

	sess, _ := s.mustConnect(ConnectOptions{})
	errs := make(chan error, 1)
	sess.WriteCharacteristic(controlPoint, []byte{0x01}, true, leafTimeout, func(err error) { errs <- err })

	err := s.recvErr(errs)
	s.requireCode(err, device.CodeOperationFailed)
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)
	s.radio.LastLink().AssertNumberOfCalls(s.T(), "WriteCharacteristic", 0)
	s.Equal(StateConnected, sess.State(), "a local failure MUST NOT disconnect")
}

func (s *SessionTestSuite) TestDiscoverCharacteristicsRequiresService() {
	// GOAL: Verify characteristic discovery is only issued for a discovered service
	//
	// TEST SCENARIO: connected, no service discovery → DiscoverCharacteristics → OperationFailed

	sess, _ := s.mustConnect(ConnectOptions{})
	errs := make(chan error, 1)
	sess.DiscoverCharacteristics(batteryService, leafTimeout, func(_ []device.Characteristic, err error) { errs <- err })

	s.requireCode(s.recvErr(errs), device.CodeOperationFailed)
	s.radio.LastLink().AssertNumberOfCalls(s.T(), "DiscoverCharacteristics", 0)
}

func (s *SessionTestSuite) TestDiscoveryPopulatesServices() {
	// GOAL: Verify discovery results are kept for the lifetime of the connection only
	//
	// TEST SCENARIO: discover → Services() has the tree → disconnect → Services() empty

	sess, res := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)

	services := sess.Services()
	s.Require().Len(services, 2)
	s.Equal(batteryService, services[0].ID)
	_, ok := services[0].Characteristic(batteryLevel)
	s.True(ok, "battery level MUST be discovered")

	sess.Disconnect(nil)
	s.NoError(s.recvErr(res.disconnected))
	s.Empty(sess.Services(), "services MUST be dropped on disconnect")
}

func (s *SessionTestSuite) TestReadAndWrite() {
	// GOAL: Verify reads and writes on discovered characteristics reach the radio and complete
	//
	// TEST SCENARIO: discover → read 2a19 → value 87 → write control point → radio saw the payload

	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)

	values := make(chan []byte, 1)
	errs := make(chan error, 1)
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func(v []byte, err error) {
		values <- v
		errs <- err
	})
	s.Require().NoError(s.recvErr(errs))
	s.Equal([]byte{87}, <-values)

	payload := []byte{0x01, 0x02}
	sess.WriteCharacteristic(controlPoint, payload, false, leafTimeout, func(err error) { errs <- err })
	payload[0] = 0xff // the session MUST have copied the payload
	s.Require().NoError(s.recvErr(errs))
	s.Equal([][]byte{{0x01, 0x02}}, s.radio.LastLink().Written(controlPoint.String()))
}

func (s *SessionTestSuite) TestReadFailureStatus() {
	// GOAL: Verify a non-success completion status becomes OperationFailed with the raw status
	//
	// TEST SCENARIO: read answered with status 2 → OperationFailed(gatt_status=2) → still connected

	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	s.radio.LastLink().Script("ReadCharacteristic", testutils.Behavior{Status: 2})

	errs := make(chan error, 1)
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func(_ []byte, err error) { errs <- err })

	e := s.requireCode(s.recvErr(errs), device.CodeOperationFailed)
	s.Equal("2", e.Attribute(device.AttrGattStatus))
	s.Equal(StateConnected, sess.State())
}

func (s *SessionTestSuite) TestReadRefusedFailsImmediately() {
	// GOAL: Verify a primitive the radio refuses fails at once and leaves no watchdog armed
	//
	// TEST SCENARIO: read refused → OperationFailed wrapping the refusal → no active read watchdog

	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	s.radio.LastLink().Script("ReadCharacteristic", testutils.Behavior{Mode: testutils.Refuse})

	errs := make(chan error, 1)
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func(_ []byte, err error) { errs <- err })

	err := s.recvErr(errs)
	s.requireCode(err, device.CodeOperationFailed)
	s.ErrorIs(err, testutils.ErrRefused)
	s.False(s.registry.Watchdogs().IsActive(watchdog.ForCharacteristic(testAddress, batteryLevel, watchdog.BucketReadCharacteristic)))
}

func (s *SessionTestSuite) TestReadTimeoutDisconnects() {
	// GOAL: Verify a read timeout fails the read once and then tears the connection down
	//
	// TEST SCENARIO: read silent → watchdog fires → read cb(Timeout) once → onDisconnected(Timeout)

	sess, res := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	s.radio.LastLink().Script("ReadCharacteristic", testutils.Behavior{Mode: testutils.Silent})

	var calls atomic.Int32
	errs := make(chan error, 4)
	sess.ReadCharacteristic(batteryLevel, 50*time.Millisecond, func(_ []byte, err error) {
		calls.Add(1)
		errs <- err
	})

	e := s.requireCode(s.recvErr(errs), device.CodeTimeout)
	s.Equal("readCharacteristic", e.Attribute(device.AttrMethod))
	s.requireCode(s.recvErr(res.disconnected), device.CodeTimeout)
	s.Equal(int32(1), calls.Load(), "read callback MUST fire exactly once")
}

func (s *SessionTestSuite) TestRSSITimeoutKeepsConnection() {
	// GOAL: Verify an RSSI read timeout completes locally without disconnecting
	//
	// TEST SCENARIO: ReadRSSI silent → Timeout → still connected → no radio disconnect

	sess, res := s.mustConnect(ConnectOptions{})
	s.radio.LastLink().Script("ReadRSSI", testutils.Behavior{Mode: testutils.Silent})

	errs := make(chan error, 1)
	sess.ReadRSSI(50*time.Millisecond, func(_ int, err error) { errs <- err })

	s.requireCode(s.recvErr(errs), device.CodeTimeout)
	time.Sleep(50 * time.Millisecond)
	s.Equal(StateConnected, sess.State())
	s.Empty(res.disconnected)
	s.radio.LastLink().AssertNumberOfCalls(s.T(), "Disconnect", 0)
}

func (s *SessionTestSuite) TestPolicyCanKeepConnectionOnReadTimeout() {
	// GOAL: Verify the timeout policy is configurable per operation kind
	//
	// TEST SCENARIO: policy read=false → read times out → Timeout → still connected

	s.useRegistry(Policy{DisconnectOnTimeout: map[watchdog.Bucket]bool{watchdog.BucketReadCharacteristic: false}})
	sess, res := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	s.radio.LastLink().Script("ReadCharacteristic", testutils.Behavior{Mode: testutils.Silent})

	errs := make(chan error, 1)
	sess.ReadCharacteristic(batteryLevel, 50*time.Millisecond, func(_ []byte, err error) { errs <- err })

	s.requireCode(s.recvErr(errs), device.CodeTimeout)
	time.Sleep(50 * time.Millisecond)
	s.Equal(StateConnected, sess.State())
	s.Empty(res.disconnected)
}

func (s *SessionTestSuite) TestLateCompletionAfterTimeoutIsDropped() {
	// GOAL: Verify a completion arriving after its watchdog fired is not delivered a second time
	//
	// TEST SCENARIO: read silent, no-disconnect policy → Timeout → radio completes late → no second callback

	s.useRegistry(Policy{DisconnectOnTimeout: map[watchdog.Bucket]bool{watchdog.BucketReadCharacteristic: false}})
	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	link := s.radio.LastLink()
	link.Script("ReadCharacteristic", testutils.Behavior{Mode: testutils.Silent})

	var calls atomic.Int32
	errs := make(chan error, 4)
	sess.ReadCharacteristic(batteryLevel, 30*time.Millisecond, func(_ []byte, err error) {
		calls.Add(1)
		errs <- err
	})
	s.requireCode(s.recvErr(errs), device.CodeTimeout)

	link.Callback().OnCharacteristicRead(batteryLevel, []byte{1}, device.GattStatusSuccess)
	time.Sleep(50 * time.Millisecond)
	s.Equal(int32(1), calls.Load(), "read callback MUST fire exactly once")
}

func (s *SessionTestSuite) TestCompletionRacingWatchdog() {
	// GOAL: Verify a completion that lands at the same moment as the watchdog yields a single terminal callback
	//
	// TEST SCENARIO: read delayed by its own timeout → exactly one callback, success or Timeout

	s.useRegistry(Policy{DisconnectOnTimeout: map[watchdog.Bucket]bool{watchdog.BucketReadCharacteristic: false}})
	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	link := s.radio.LastLink()
	link.Script("ReadCharacteristic", testutils.Behavior{Delay: 20 * time.Millisecond})

	for i := 0; i < 10; i++ {
		var calls atomic.Int32
		sess.ReadCharacteristic(batteryLevel, 20*time.Millisecond, func(_ []byte, err error) {
			calls.Add(1)
			if err != nil {
				s.Equal(device.CodeTimeout, device.CodeOf(err))
			}
		})
		time.Sleep(80 * time.Millisecond)
		s.Equal(int32(1), calls.Load(), "iteration %d MUST deliver exactly one callback", i)
	}
}

func (s *SessionTestSuite) TestPendingRequestsFailOnDisconnect() {
	// GOAL: Verify in-flight requests are failed with the disconnect reason before onDisconnected fires
	//
	// TEST SCENARIO: read + write silent in flight → Disconnect(nil) → both fail Disconnected → then onDisconnected(nil) → no delegates left

	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	link := s.radio.LastLink()
	link.Script("ReadCharacteristic", testutils.Behavior{Mode: testutils.Silent})
	link.Script("WriteCharacteristic", testutils.Behavior{Mode: testutils.Silent})

	var mu sync.Mutex
	var order []string
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name+":"+device.CodeOf(err).String())
	}

	sess.ReadCharacteristic(batteryLevel, leafTimeout, func(_ []byte, err error) { record("read", err) })
	sess.WriteCharacteristic(controlPoint, []byte{1}, true, leafTimeout, func(err error) { record("write", err) })
	s.Eventually(func() bool { return sess.PendingDelegates() == 2 }, waitFor, tick)

	done := make(chan struct{})
	sess.queue.Post("test", func() {
		sess.onDisconnected = func(err error) {
			record("disconnected", err)
			close(done)
		}
	})
	sess.Disconnect(nil)

	select {
	case <-done:
	case <-time.After(waitFor):
		s.Require().FailNow("onDisconnected MUST fire")
	}

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(order, 3)
	s.ElementsMatch([]string{"read:" + device.CodeDisconnected.String(), "write:" + device.CodeDisconnected.String()}, order[:2])
	s.Equal("disconnected:"+device.CodeSuccess.String(), order[2])
	s.Zero(sess.PendingDelegates())
	s.Empty(s.registry.Watchdogs().Active(testAddress))
}

func (s *SessionTestSuite) TestSupersededRequestIsOrphaned() {
	// GOAL: Verify a second request on the same identity replaces the first delegate
	//
	// TEST SCENARIO: read A silent → read B silent → completion → only B is called

	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	link := s.radio.LastLink()
	link.Script("ReadCharacteristic", testutils.Behavior{Mode: testutils.Silent})

	var first, second atomic.Int32
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func([]byte, error) { first.Add(1) })
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func([]byte, error) { second.Add(1) })
	s.Eventually(func() bool { return link.CallCount("ReadCharacteristic") == 2 }, waitFor, tick)

	link.Callback().OnCharacteristicRead(batteryLevel, []byte{1}, device.GattStatusSuccess)
	s.Eventually(func() bool { return second.Load() == 1 }, waitFor, tick)
	s.Zero(first.Load(), "superseded delegate MUST NOT be called")
}

func (s *SessionTestSuite) TestStrictPolicyRejectsOverlap() {
	// GOAL: Verify the strict policy rejects an overlapping request and keeps the first one alive
	//
	// TEST SCENARIO: strict → read A silent → read B → B fails PreconditionFailed → completion reaches A

	s.useRegistry(Policy{Strict: true})
	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	link := s.radio.LastLink()
	link.Script("ReadCharacteristic", testutils.Behavior{Mode: testutils.Silent})

	firstErr := make(chan error, 1)
	secondErr := make(chan error, 1)
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func(_ []byte, err error) { firstErr <- err })
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func(_ []byte, err error) { secondErr <- err })

	s.requireCode(s.recvErr(secondErr), device.CodePreconditionFailed)
	link.AssertNumberOfCalls(s.T(), "ReadCharacteristic", 1)

	link.Callback().OnCharacteristicRead(batteryLevel, []byte{1}, device.GattStatusSuccess)
	s.NoError(s.recvErr(firstErr))
}

func (s *SessionTestSuite) TestNotifyState() {
	tests := []struct {
		name  string
		char  device.Identity
		on    bool
		cccd  []byte
		value []byte
	}{
		{name: "notify enables with 01 00", char: batteryLevel, on: true, cccd: []byte{0x01, 0x00}, value: []byte{0x42}},
		{name: "indicate-only enables with 02 00", char: statusChar, on: true, cccd: []byte{0x02, 0x00}, value: []byte{0x07}},
		{name: "disable writes 00 00", char: batteryLevel, on: false, cccd: []byte{0x00, 0x00}},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.TearDownTest()
			s.SetupTest()

			sess, _ := s.mustConnect(ConnectOptions{})
			s.mustDiscover(sess)
			link := s.radio.LastLink()

			changes := make(chan []byte, 1)
			errs := make(chan error, 1)
			sess.SetNotifyState(tt.char, tt.on, leafTimeout,
				func(_ device.Identity, v []byte, _ error) { changes <- v },
				func(err error) { errs <- err },
			)
			s.Require().NoError(s.recvErr(errs))
			s.Equal([][]byte{tt.cccd}, link.Written(device.ClientCharacteristicConfig.String()))
			s.Equal(tt.on, link.IsNotifying(tt.char.String()))

			if !tt.on {
				return
			}
			link.Notify(tt.char.String(), tt.value)
			select {
			case v := <-changes:
				s.Equal(tt.value, v)
			case <-time.After(waitFor):
				s.Fail("value change MUST be delivered")
			}
		})
	}
}

func (s *SessionTestSuite) TestNotifyStateFailures() {
	// GOAL: Verify the two local failure paths of enabling notifications
	//
	// TEST SCENARIO: no CCCD → OperationFailed(getDescriptor); platform refuses → OperationFailed(setCharacteristicNotification)

	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)
	link := s.radio.LastLink()

	errs := make(chan error, 1)
	sess.SetNotifyState(controlPoint, true, leafTimeout, nil, func(err error) { errs <- err })
	e := s.requireCode(s.recvErr(errs), device.CodeOperationFailed)
	s.Equal("getDescriptor", e.Attribute(device.AttrMethod))

	link.Script("SetNotification", testutils.Behavior{Mode: testutils.Refuse})
	sess.SetNotifyState(batteryLevel, true, leafTimeout, nil, func(err error) { errs <- err })
	e = s.requireCode(s.recvErr(errs), device.CodeOperationFailed)
	s.Equal("setCharacteristicNotification", e.Attribute(device.AttrMethod))

	link.AssertNumberOfCalls(s.T(), "WriteDescriptor", 0)
	s.Zero(sess.PendingDelegates(), "failed enables MUST NOT leave a value-change delegate behind")
}

func (s *SessionTestSuite) TestNotifyStateEnableFailureRollsBack() {
	// GOAL: Verify a failed enable turns link notifications back off
	//
	// TEST SCENARIO: no CCCD / CCCD write refused / CCCD write status 3 → link not notifying, no delegates left

	tests := []struct {
		name     string
		char     device.Identity
		behavior *testutils.Behavior
		method   string
	}{
		{name: "missing CCCD", char: controlPoint, method: "getDescriptor"},
		{name: "CCCD write refused", char: batteryLevel, behavior: &testutils.Behavior{Mode: testutils.Refuse}, method: "setNotifyState"},
		{name: "CCCD write status", char: batteryLevel, behavior: &testutils.Behavior{Status: 3}, method: "setNotifyState"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.TearDownTest()
			s.SetupTest()

			sess, _ := s.mustConnect(ConnectOptions{})
			s.mustDiscover(sess)
			link := s.radio.LastLink()
			if tt.behavior != nil {
				link.Script("WriteDescriptor", *tt.behavior)
			}

			errs := make(chan error, 1)
			sess.SetNotifyState(tt.char, true, leafTimeout, func(device.Identity, []byte, error) {}, func(err error) { errs <- err })
			e := s.requireCode(s.recvErr(errs), device.CodeOperationFailed)
			s.Equal(tt.method, e.Attribute(device.AttrMethod))

			link.AssertCalled(s.T(), "SetNotification", tt.char, false)
			s.False(link.IsNotifying(tt.char.String()), "failed enable MUST leave the link unsubscribed")
			s.Zero(sess.PendingDelegates(), "failed enable MUST NOT leave a value-change delegate behind")
		})
	}
}

func (s *SessionTestSuite) TestDescriptorReadWrite() {
	// GOAL: Verify descriptor requests are keyed by characteristic and descriptor
	//
	// TEST SCENARIO: write 2901 of status char → read it back → unknown descriptor → OperationFailed

	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)

	errs := make(chan error, 1)
	sess.WriteDescriptor(statusChar, userDesc, []byte("status"), leafTimeout, func(err error) { errs <- err })
	s.Require().NoError(s.recvErr(errs))

	sess.ReadDescriptor(statusChar, userDesc, leafTimeout, func(_ []byte, err error) { errs <- err })
	s.Require().NoError(s.recvErr(errs))

	sess.ReadDescriptor(batteryLevel, userDesc, leafTimeout, func(_ []byte, err error) { errs <- err })
	err := s.recvErr(errs)
	s.requireCode(err, device.CodeOperationFailed)
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("descriptor", nf.Resource)
}

func (s *SessionTestSuite) TestRequestMTU() {
	// GOAL: Verify the negotiated MTU is reported and recorded on the peripheral
	//
	// TEST SCENARIO: RequestMTU(517) → radio caps at 247 → cb(247) → peripheral MTU 247

	sess, _ := s.mustConnect(ConnectOptions{})
	mtus := make(chan int, 1)
	errs := make(chan error, 1)
	sess.RequestMTU(517, leafTimeout, func(mtu int, err error) {
		mtus <- mtu
		errs <- err
	})
	s.Require().NoError(s.recvErr(errs))
	s.Equal(247, <-mtus)
	s.Equal(247, sess.Peripheral().MTU())
}

func (s *SessionTestSuite) TestReadRSSIUpdatesPeripheral() {
	s.radio.WithRSSI(-42)
	sess, _ := s.mustConnect(ConnectOptions{})

	errs := make(chan error, 1)
	sess.ReadRSSI(leafTimeout, func(_ int, err error) { errs <- err })
	s.Require().NoError(s.recvErr(errs))
	s.Equal(-42, sess.Peripheral().RSSI())
}

func (s *SessionTestSuite) TestRSSIPolling() {
	// GOAL: Verify periodic RSSI reads keep running until stopped or disconnected
	//
	// TEST SCENARIO: start polling 10ms → several updates → stop → no more reads; disconnect ends polling

	sess, res := s.mustConnect(ConnectOptions{})
	link := s.radio.LastLink()

	var updates atomic.Int32
	sess.StartRSSIPolling(10*time.Millisecond, func(_ int, err error) {
		s.NoError(err)
		updates.Add(1)
	})
	s.Eventually(func() bool { return updates.Load() >= 3 }, waitFor, tick)
	s.True(sess.IsPollingRSSI())

	sess.StopRSSIPolling()
	s.Eventually(func() bool { return !sess.IsPollingRSSI() }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	reads := link.CallCount("ReadRSSI")
	time.Sleep(50 * time.Millisecond)
	s.Equal(reads, link.CallCount("ReadRSSI"), "no reads MUST be issued after stop")

	sess.StartRSSIPolling(10*time.Millisecond, func(int, error) {})
	s.Eventually(func() bool { return sess.IsPollingRSSI() }, waitFor, tick)
	sess.Disconnect(nil)
	s.NoError(s.recvErr(res.disconnected))
	s.False(sess.IsPollingRSSI(), "disconnect MUST stop polling")
}

func (s *SessionTestSuite) TestReconnectAfterDisconnect() {
	// GOAL: Verify a session can run another connect cycle and ignores events of the previous link
	//
	// TEST SCENARIO: connect → disconnect → connect again → old link reports disconnected → session stays connected

	sess, res := s.mustConnect(ConnectOptions{})
	old := s.radio.LastLink()
	sess.Disconnect(nil)
	s.NoError(s.recvErr(res.disconnected))

	second := s.connect(sess, ConnectOptions{})
	select {
	case <-second.connected:
	case <-time.After(waitFor):
		s.Require().FailNow("second connect MUST succeed")
	}

	old.Emit(device.GattStatusSuccess, device.LinkDisconnected)
	time.Sleep(50 * time.Millisecond)
	s.Equal(StateConnected, sess.State(), "stale link events MUST be dropped")
	s.Empty(second.disconnected)
}

func (s *SessionTestSuite) TestPanickingCallbackIsContained() {
	// GOAL: Verify a panicking caller callback does not break the queue or later callbacks
	//
	// TEST SCENARIO: read callback panics → next read still completes

	sess, _ := s.mustConnect(ConnectOptions{})
	s.mustDiscover(sess)

	sess.ReadCharacteristic(batteryLevel, leafTimeout, func([]byte, error) { panic("boom") })
	errs := make(chan error, 1)
	sess.ReadCharacteristic(batteryLevel, leafTimeout, func(_ []byte, err error) { errs <- err })
	s.NoError(s.recvErr(errs))
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
