package sandbox

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// processKiller signals a process by pid.
type processKiller func(pid int) error

// killResidualProcesses kills every process whose cwd or root lies under boxDir.
// procRoot is normally /proc.
func killResidualProcesses(procRoot, boxDir string, kill processKiller) ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}
	boxDir = filepath.Clean(boxDir)
	var killed []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		if !processInside(filepath.Join(procRoot, entry.Name()), boxDir) {
			continue
		}
		if err := kill(pid); err == nil {
			killed = append(killed, pid)
		}
	}
	return killed, nil
}

func processInside(procDir, boxDir string) bool {
	for _, link := range []string{"cwd", "root"} {
		target, err := os.Readlink(filepath.Join(procDir, link))
		if err != nil {
			continue
		}
		target = filepath.Clean(target)
		if target == boxDir || strings.HasPrefix(target, boxDir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
