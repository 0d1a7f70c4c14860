package gvm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	cases := []struct {
		status   string
		terminal bool
		failed   bool
	}{
		{StatusNew, false, false},
		{StatusRequested, false, false},
		{StatusQueued, false, false},
		{StatusRunning, false, false},
		{StatusStopRequested, false, false},
		{StatusStopped, true, true},
		{StatusDone, true, false},
		{StatusDeleteRequested, false, false},
		{StatusUltimateDeleteRequested, false, false},
		{StatusInterrupted, true, true},
	}

	for _, tc := range cases {
		require.Equal(t, tc.terminal, IsTerminalStatus(tc.status), "terminal(%s)", tc.status)
		require.Equal(t, tc.failed, IsErrorStatus(tc.status), "error(%s)", tc.status)
	}
}

func TestStatusPredicates_UnknownStatus(t *testing.T) {
	require.False(t, IsTerminalStatus("Paused"))
	require.False(t, IsErrorStatus("Paused"))
}
