package job

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/Frohrer/codux/pkg/utils/logger"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

const tcpStateListen = 0x0A

var socketLink = regexp.MustCompile(`^socket:\[(\d+)\]$`)

// listener is a listening TCP socket from /proc/net/tcp{,6}.
type listener struct {
	Port  int
	Inode uint64
}

// listeningSockets reads the kernel socket tables under procRoot.
func listeningSockets(procRoot string) ([]listener, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}
	var out []listener
	found := false
	for _, read := range []func() (procfs.NetTCP, error){fs.NetTCP, fs.NetTCP6} {
		table, err := read()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		for _, line := range table {
			if line.St != tcpStateListen || line.LocalPort == 0 {
				continue
			}
			out = append(out, listener{Port: int(line.LocalPort), Inode: line.Inode})
		}
	}
	if !found {
		return nil, os.ErrNotExist
	}
	return out, nil
}

// socketOwners maps socket inodes to the command name of the owning process.
func socketOwners(procRoot string) map[uint64]string {
	owners := make(map[uint64]string)
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return owners
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return owners
	}
	for _, proc := range procs {
		targets, err := proc.FileDescriptorTargets()
		if err != nil {
			continue
		}
		var comm string
		for _, target := range targets {
			match := socketLink.FindStringSubmatch(target)
			if match == nil {
				continue
			}
			inode, err := strconv.ParseUint(match[1], 10, 64)
			if err != nil {
				continue
			}
			if comm == "" {
				if comm, err = proc.Comm(); err != nil {
					break
				}
			}
			owners[inode] = comm
		}
	}
	return owners
}

// portWatcher reports the first listening port that was not open at baseline
// and is owned by a process whose name matches pattern.
type portWatcher struct {
	procRoot string
	pattern  *regexp.Regexp
	interval time.Duration
	timeout  time.Duration
	baseline map[int]struct{}
}

func newPortWatcher(cfg WebConfig) *portWatcher {
	w := &portWatcher{
		procRoot: cfg.ProcRoot,
		interval: cfg.PortPollInterval,
		timeout:  cfg.PortTimeout,
		baseline: make(map[int]struct{}),
	}
	if cfg.PortProcessPattern != "" {
		pattern, err := regexp.Compile(cfg.PortProcessPattern)
		if err != nil {
			logger.Warn(context.Background(), "invalid port process pattern, matching every process",
				zap.String("pattern", cfg.PortProcessPattern), zap.Error(err))
		} else {
			w.pattern = pattern
		}
	}
	return w
}

// snapshot records the ports that are already listening.
func (w *portWatcher) snapshot(ctx context.Context) {
	sockets, err := listeningSockets(w.procRoot)
	if err != nil {
		logger.Warn(ctx, "read listening sockets failed", zap.String("proc_root", w.procRoot), zap.Error(err))
		return
	}
	for _, s := range sockets {
		w.baseline[s.Port] = struct{}{}
	}
}

// watch polls until a new port shows up, the timeout passes or ctx is done.
// The channel yields at most one port and is then closed.
func (w *portWatcher) watch(ctx context.Context) <-chan int {
	found := make(chan int, 1)
	go func() {
		defer close(found)
		deadline := time.NewTimer(w.timeout)
		defer deadline.Stop()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				logger.Info(ctx, "no new listening port detected", zap.Duration("timeout", w.timeout))
				return
			case <-ticker.C:
				if port, ok := w.poll(); ok {
					found <- port
					return
				}
			}
		}
	}()
	return found
}

func (w *portWatcher) poll() (int, bool) {
	sockets, err := listeningSockets(w.procRoot)
	if err != nil {
		return 0, false
	}
	var owners map[uint64]string
	for _, s := range sockets {
		if _, known := w.baseline[s.Port]; known {
			continue
		}
		if w.pattern != nil {
			if owners == nil {
				owners = socketOwners(w.procRoot)
			}
			if !w.pattern.MatchString(owners[s.Inode]) {
				continue
			}
		}
		return s.Port, true
	}
	return 0, false
}
