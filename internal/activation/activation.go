package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Listener returns the listener the webhook daemon should serve on. When
// the process was started through systemd socket activation (LISTEN_PID /
// LISTEN_FDS), the first activated socket is used and addr is ignored;
// otherwise a TCP listener is opened on addr.
func Listener(addr string) (net.Listener, error) {
	ln, err := activated()
	if err != nil {
		return nil, err
	}
	if ln != nil {
		return ln, nil
	}
	return net.Listen("tcp", addr)
}

// activated returns the first systemd-activated listener, or nil when no
// socket activation is detected for this process.
func activated() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Activation targets a different process.
		return nil, nil
	}

	numFDs, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || numFDs < 1 {
		return nil, nil
	}

	// Systemd passes activated sockets starting at fd 3.
	const firstFD = 3

	file := os.NewFile(uintptr(firstFD), "systemd-socket-0")
	if file == nil {
		return nil, fmt.Errorf("failed to open activated socket fd %d", firstFD)
	}
	defer func() {
		_ = file.Close()
	}()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", firstFD, err)
	}

	// Clear the activation variables so child processes (the platform
	// CLI) do not inherit them.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listener, nil
}
