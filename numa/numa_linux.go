//go:build linux

package numa

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const sysfsNodeDir = "/sys/devices/system/node"

func discoverLinux() *Topology {
	entries, err := os.ReadDir(sysfsNodeDir)
	if err != nil {
		return nil
	}
	var sockets []Socket
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		idStr := strings.TrimPrefix(name, "node")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		cpus, err := readCPUList(filepath.Join(sysfsNodeDir, name, "cpulist"))
		if err != nil || len(cpus) == 0 {
			continue
		}
		sockets = append(sockets, Socket{ID: id, CPUs: cpus})
	}
	if len(sockets) == 0 {
		return nil
	}
	sort.Slice(sockets, func(i, j int) bool { return sockets[i].ID < sockets[j].ID })
	return &Topology{Sockets: sockets}
}

func readCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cpus []int
	for _, part := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for c := loN; c <= hiN; c++ {
				cpus = append(cpus, c)
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				continue
			}
			cpus = append(cpus, n)
		}
	}
	return cpus, nil
}

// PinThread pins the calling OS thread to the CPUs of socket s. The
// caller must have already called runtime.LockOSThread. Best-effort:
// errors are returned, not fatal, per spec.md §5's note that pinning
// failure is an optimization loss.
func PinThread(t *Topology, socket int) error {
	if socket < 0 || socket >= len(t.Sockets) {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range t.Sockets[socket].CPUs {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}

