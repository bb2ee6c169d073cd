package supervisor

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hivedev/hive/internal/logger"
)

const (
	probeTimeout = 500 * time.Millisecond
	killGrace    = 2 * time.Second
)

// processAlive probes a PID with signal 0. EPERM still means the process
// exists, just owned by someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// PortReachable reports whether anything accepts TCP connections on the port,
// trying both loopback families since listeners often bind only one.
func PortReachable(port int) bool {
	for _, host := range []string{"127.0.0.1", "::1"} {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), probeTimeout)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// findListenerPID locates the process listening on the port via lsof.
func findListenerPID(port int) (int, bool) {
	out, err := exec.Command("lsof", "-t", "-n", "-P",
		fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}

// releasePort terminates the listener bound to the port, but only when the
// owned predicate recognizes the PID. Unrelated processes that happen to hold
// the port are left alone. SIGTERM first, SIGKILL after the grace window.
func releasePort(port int, owned func(pid int) bool) {
	pid, ok := findListenerPID(port)
	if !ok {
		return
	}
	if !owned(pid) {
		logger.Warnf("Port %d held by unmanaged pid %d, leaving it alone", port, pid)
		return
	}

	logger.Debugf("Releasing port %d: sending SIGTERM to pid %d", port, pid)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return
	}

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	logger.Warnf("Pid %d still holding port %d after SIGTERM, escalating to SIGKILL", pid, port)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
