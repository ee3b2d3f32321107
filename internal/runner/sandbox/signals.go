package sandbox

import (
	"strings"

	"golang.org/x/sys/unix"
)

// SignalName returns the conventional name ("SIGKILL") for a signal number.
func SignalName(number int) string {
	return unix.SignalName(unix.Signal(number))
}

// LookupSignal resolves a signal name such as "SIGTERM" or "TERM".
func LookupSignal(name string) (unix.Signal, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return 0, false
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	return sig, sig != 0
}
