package main

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/devicefactory"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScanCommandTestSuite struct {
	CommandTestSuite
}

// advertise delivers advs once the command under test is scanning.
func (s *ScanCommandTestSuite) advertise(advs ...device.Advertisement) {
	go func() {
		if !s.Radio.WaitScanning(waitFor) {
			return
		}
		for _, adv := range advs {
			s.Radio.Advertise(adv)
		}
	}()
}

func (s *ScanCommandTestSuite) twoPeripherals() []device.Advertisement {
	return []device.Advertisement{
		testutils.CreateMockAdvertisement("Beta", "AA:00:00:00:00:02", -70).WithServices("180a").Build(),
		testutils.CreateMockAdvertisement("Alpha", "AA:00:00:00:00:01", -40).WithServices("180f").Build(),
	}
}

func (s *ScanCommandTestSuite) TestTableOutput() {
	// GOAL: Verify the table lists every sighted peripheral, strongest first
	//
	// TEST SCENARIO: two advertisers → scan for a short duration → table sorted by RSSI

	s.advertise(s.twoPeripherals()...)

	output, err := s.ExecuteCommand("scan", "--duration", "300ms")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T(), testutils.WithTrimSpace(true), testutils.WithIgnoreTrailingWhitespace(true)).Assert(output, `
NAME   ADDRESS            RSSI     SERVICES  ADVS
--------------------------------------------------------------------------------
Alpha  AA:00:00:00:00:01  -40 dBm  180f      1
Beta   AA:00:00:00:00:02  -70 dBm  180a      1
`)
}

func (s *ScanCommandTestSuite) TestJSONOutput() {
	// GOAL: Verify --format json emits the peripheral snapshots
	//
	// TEST SCENARIO: two advertisers → scan json → array of snapshots sorted by RSSI

	s.advertise(s.twoPeripherals()...)

	output, err := s.ExecuteCommand("scan", "--duration", "300ms", "--format", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T(), testutils.WithIgnoreExtraKeys(true)).Assert(output, `[
		{"address": "AA:00:00:00:00:01", "name": "Alpha", "rssi": -40, "advertisement_count": 1},
		{"address": "AA:00:00:00:00:02", "name": "Beta", "rssi": -70, "advertisement_count": 1}
	]`)
}

func (s *ScanCommandTestSuite) TestFilters() {
	// GOAL: Verify --name-prefix and --min-rssi drop non-matching peripherals
	//
	// TEST SCENARIO: two advertisers → filtered scan → only the matching one is listed

	cases := []struct {
		name string
		args []string
	}{
		{name: "name prefix", args: []string{"--name-prefix", "Al"}},
		{name: "min rssi", args: []string{"--min-rssi", "-50"}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			defer s.TearDownTest()
			s.advertise(s.twoPeripherals()...)

			output, err := s.ExecuteCommand(append([]string{"scan", "--duration", "300ms"}, tc.args...)...)
			s.Require().NoError(err)
			s.Contains(output, "Alpha", "matching peripheral MUST be listed")
			s.NotContains(output, "Beta", "filtered peripheral MUST be omitted")
		})
	}
}

func (s *ScanCommandTestSuite) TestNoDevices() {
	output, err := s.ExecuteCommand("scan", "--duration", "100ms")
	s.Require().NoError(err)
	s.Contains(output, "No devices discovered")
}

func (s *ScanCommandTestSuite) TestInvalidFormat() {
	_, err := s.ExecuteCommand("scan", "--format", "xml")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format 'xml'")
}

func (s *ScanCommandTestSuite) TestInvalidServiceUUID() {
	_, err := s.ExecuteCommand("scan", "--services", "not-a-uuid")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid service UUID")
}

func (s *ScanCommandTestSuite) TestRadioUnavailable() {
	// GOAL: Verify a radio that cannot be opened is reported as such
	//
	// TEST SCENARIO: factory fails → scan → wrapped factory error

	cause := errors.New("adapter missing")
	devicefactory.RadioFactory = func(*logrus.Logger) (device.Radio, error) {
		return nil, cause
	}

	_, err := s.ExecuteCommand("scan", "--duration", "100ms")
	s.Require().Error(err)
	s.ErrorIs(err, cause)
	s.Contains(err.Error(), "failed to open bluetooth radio")
}

func (s *ScanCommandTestSuite) TestScanStopsAtDuration() {
	start := time.Now()
	_, err := s.ExecuteCommand("scan", "--duration", "150ms")
	s.Require().NoError(err)
	s.Less(time.Since(start), waitFor, "scan MUST end once the duration elapses")
}

func TestScanCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ScanCommandTestSuite))
}
