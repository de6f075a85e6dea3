package lifecycle

import (
	"context"
	stderrors "errors"
	"testing"

	"codeberg.org/mutker/pifanctl/internal/control"
	"codeberg.org/mutker/pifanctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detector(tty bool, ppid int, parent string, parentErr error) Detector {
	return Detector{
		IsTerminal: func(uintptr) bool { return tty },
		ParentPID:  func() int { return ppid },
		ParentName: func(context.Context, int) (string, error) { return parent, parentErr },
		Getenv:     func(string) string { return "" },
		Fds:        []uintptr{0, 1, 2},
	}
}

func TestDetectForced(t *testing.T) {
	d := detector(true, 4242, "bash", nil)

	mode, err := d.Detect(context.Background(), true, false)
	require.NoError(t, err)
	assert.Equal(t, control.Daemon, mode)

	d = detector(false, 1, "systemd", nil)
	mode, err = d.Detect(context.Background(), false, true)
	require.NoError(t, err)
	assert.Equal(t, control.Interactive, mode)

	_, err = d.Detect(context.Background(), true, true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestDetectHeuristic(t *testing.T) {
	tests := []struct {
		name      string
		tty       bool
		ppid      int
		parent    string
		parentErr error
		want      control.RunMode
	}{
		{"terminal", true, 1, "systemd", nil, control.Interactive},
		{"no terminal, pid 1", false, 1, "", nil, control.Daemon},
		{"no terminal, supervisord", false, 812, "supervisord", nil, control.Daemon},
		{"no terminal, full path", false, 812, "/usr/bin/runsv", nil, control.Daemon},
		{"no terminal, shell", false, 812, "bash", nil, control.Interactive},
		{"no terminal, cron", false, 812, "cron", nil, control.Interactive},
		{"no terminal, parent unknown", false, 812, "", stderrors.New("no such process"), control.Interactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := detector(tt.tty, tt.ppid, tt.parent, tt.parentErr).Detect(context.Background(), false, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode)
		})
	}
}

func TestDetectSystemdInvocation(t *testing.T) {
	d := detector(false, 812, "bash", nil)
	d.Getenv = func(key string) string {
		if key == "INVOCATION_ID" {
			return "4b1a6c"
		}
		return ""
	}

	mode, err := d.Detect(context.Background(), false, false)
	require.NoError(t, err)
	assert.Equal(t, control.Daemon, mode)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "terminating", Terminating.String())
}
