//go:build test

package testutils

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	logs   *syncBuffer
}

// NewTestHelper creates a test helper whose logger captures output for LogContains.
func NewTestHelper(t *testing.T) *TestHelper {
	buf := &syncBuffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(buf)
	return &TestHelper{
		T:      t,
		Logger: logger,
		logs:   buf,
	}
}

// Logs returns everything logged so far
func (h *TestHelper) Logs() string {
	return h.logs.String()
}

// LogContains reports whether any log line contains substr
func (h *TestHelper) LogContains(substr string) bool {
	return strings.Contains(h.logs.String(), substr)
}

// WaitFor polls cond until it holds or timeout passes
func (h *TestHelper) WaitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

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
