package network

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const capNetAdmin = 12

// HasNetAdmin reports whether the process holds CAP_NET_ADMIN, which creating
// WireGuard interfaces and iptables rules requires. statusPath is normally
// /proc/self/status.
func HasNetAdmin(statusPath string) (bool, error) {
	f, err := os.Open(statusPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}
		caps, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "CapEff:")), 16, 64)
		if err != nil {
			return false, err
		}
		return caps&(1<<capNetAdmin) != 0, nil
	}
	return false, scanner.Err()
}

// MissingModules returns the kernel modules of names that are neither loaded
// nor built in. procModules is normally /proc/modules and sysModule
// /sys/module, where built-in modules show up as directories.
func MissingModules(procModules, sysModule string, names ...string) ([]string, error) {
	f, err := os.Open(procModules)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	loaded := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if name, _, ok := strings.Cut(scanner.Text(), " "); ok {
			loaded[name] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range names {
		if loaded[name] {
			continue
		}
		if fi, err := os.Stat(filepath.Join(sysModule, name)); err == nil && fi.IsDir() {
			continue
		}
		missing = append(missing, name)
	}
	return missing, nil
}
