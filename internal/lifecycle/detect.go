package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/pifanctl/internal/control"
	"codeberg.org/mutker/pifanctl/internal/errors"
	"github.com/mattn/go-isatty"
	"github.com/shirou/gopsutil/v3/process"
)

var supervisors = map[string]struct{}{
	"systemd":      {},
	"init":         {},
	"supervisord":  {},
	"runsv":        {},
	"s6-supervise": {},
	"openrc-run":   {},
	"launchd":      {},
	"daemon":       {},
}

// Detector decides between daemon and interactive mode when neither is
// forced. The heuristic is best effort; explicit flags always win.
type Detector struct {
	IsTerminal func(fd uintptr) bool
	ParentPID  func() int
	ParentName func(ctx context.Context, pid int) (string, error)
	Getenv     func(key string) string
	Fds        []uintptr
}

// NewDetector inspects the real process environment.
func NewDetector() Detector {
	return Detector{
		IsTerminal: func(fd uintptr) bool {
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
		ParentPID:  os.Getppid,
		ParentName: processName,
		Getenv:     os.Getenv,
		Fds:        []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()},
	}
}

// Detect returns the run mode. forceDaemon and forceForeground are
// mutually exclusive.
func (d Detector) Detect(ctx context.Context, forceDaemon, forceForeground bool) (control.RunMode, error) {
	switch {
	case forceDaemon && forceForeground:
		return control.Interactive, errors.New().WithData(errors.ErrInvalidConfig, "--daemon and --foreground are mutually exclusive")
	case forceDaemon:
		return control.Daemon, nil
	case forceForeground:
		return control.Interactive, nil
	}

	for _, fd := range d.Fds {
		if d.IsTerminal(fd) {
			return control.Interactive, nil
		}
	}

	if d.supervised(ctx) {
		return control.Daemon, nil
	}

	return control.Interactive, nil
}

func (d Detector) supervised(ctx context.Context) bool {
	ppid := d.ParentPID()
	if ppid == 1 {
		return true
	}
	// systemd sets INVOCATION_ID for every unit it starts.
	if d.Getenv != nil && d.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if d.ParentName == nil {
		return false
	}

	name, err := d.ParentName(ctx, ppid)
	if err != nil {
		return false
	}
	_, ok := supervisors[filepath.Base(strings.TrimSpace(name))]

	return ok
}

func processName(ctx context.Context, pid int) (string, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return proc.NameWithContext(ctx)
}
