package policy

import (
	"errors"
	"os"
	"syscall"
	"time"

	"yardkit/internal/domain"
)

type Verdict string

const (
	VerdictLive    Verdict = "live"
	VerdictStale   Verdict = "stale"
	VerdictUnknown Verdict = "unknown"
)

// ProcessProbe reports whether pid is running on the local host.
type ProcessProbe func(pid int) bool

// Engine decides whether a lock holder is still alive. It never expires locks on age alone:
// a holder on another host is reported unknown and left to the operator.
type Engine struct {
	hostname string
	probe    ProcessProbe
	now      func() time.Time
}

func New(hostname string, probe ProcessProbe) *Engine {
	if probe == nil {
		probe = ProcessAlive
	}
	return &Engine{
		hostname: hostname,
		probe:    probe,
		now:      time.Now,
	}
}

func (e *Engine) Judge(l domain.Lock) (Verdict, string) {
	if l.Hostname == "" {
		return VerdictUnknown, "no holder recorded"
	}
	if l.Hostname != e.hostname {
		return VerdictUnknown, "holder runs on host " + l.Hostname
	}
	if l.PID <= 0 {
		return VerdictStale, "lock has no holder pid"
	}
	if e.probe(l.PID) {
		return VerdictLive, "holder process is running"
	}
	return VerdictStale, "holder process is gone (held for " + e.now().Sub(l.Timestamp).Round(time.Second).String() + ")"
}

// ProcessAlive sends signal 0 to pid. EPERM still means the process exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
