package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/thermotele/internal/agent"
	"github.com/temoto/thermotele/log2"
)

// Not parallel: replaces package log and NOTIFY_SOCKET.
func TestNotifyTickSocketError(t *testing.T) {
	saved := log
	defer func() { log = saved }()
	// test log turns Fatal into t.Fatalf
	log = log2.NewTest(t, log2.LDebug)
	var errs []error
	log.SetErrorFunc(func(e error) { errs = append(errs, e) })
	t.Setenv("NOTIFY_SOCKET", "/nonexistent/notify.sock")

	for i := 0; i < 3; i++ {
		notifyTick(agent.WatchdogState)
	}
	assert.Len(t, errs, 3)
	if len(errs) != 0 {
		assert.Contains(t, errs[0].Error(), agent.WatchdogState)
	}
}
