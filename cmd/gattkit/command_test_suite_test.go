package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/devicefactory"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe for writers on other goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a FakeRadio. All cmd/gattkit test
// suites embed it.
type CommandTestSuite struct {
	suite.Suite

	Radio   *testutils.FakeRadio
	factory func(*logrus.Logger) (device.Radio, error)
	noColor bool
}

func (s *CommandTestSuite) SetupTest() {
	s.Radio = testutils.NewFakeRadio()
	s.factory = devicefactory.RadioFactory
	s.noColor = color.NoColor
	color.NoColor = true

	devicefactory.RadioFactory = func(*logrus.Logger) (device.Radio, error) {
		return s.Radio, nil
	}
	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.RadioFactory = s.factory
	color.NoColor = s.noColor
}

// resetFlags restores every flag of cmd and its subcommands to its default so
// values never leak between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// setContext hands ctx to cmd and every subcommand. Cobra only propagates the
// root context to subcommands whose context is still unset, so a context left
// by an earlier run would otherwise win.
func setContext(ctx context.Context, cmd *cobra.Command) {
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		setContext(ctx, c)
	}
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, error) {
	setContext(ctx, rootCmd)
	buf := &syncBuffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return buf.String(), err
}

// WriteConfig writes a YAML config file and returns its path.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "gattkit.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

// WaitLink waits for the command under test to open a link.
func (s *CommandTestSuite) WaitLink() *testutils.FakeLink {
	var link *testutils.FakeLink
	s.Require().Eventually(func() bool {
		link = s.Radio.LastLink()
		return link != nil
	}, waitFor, tick, "command MUST connect")
	return link
}

// WaitSubscribed waits until char has its CCCD written on the current link.
func (s *CommandTestSuite) WaitSubscribed(char string) *testutils.FakeLink {
	link := s.WaitLink()
	s.Require().Eventually(func() bool {
		return link.IsNotifying(char) && link.CallCount("WriteDescriptor") > 0
	}, waitFor, tick, "subscription MUST be enabled")
	return link
}
