// Package activation obtains the listener for the serve command, either from
// systemd socket activation or by binding the configured address.
package activation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// ErrNoAddress is returned by Listen when there is neither an activated
// socket nor an address to bind.
var ErrNoAddress = errors.New("no listen address configured and no socket passed by systemd")

// Listen returns the first socket passed by systemd when the process was
// socket-activated, otherwise a TCP listener bound to addr. activated reports
// which of the two happened.
func Listen(addr string) (ln net.Listener, activated bool, err error) {
	count, err := socketCount(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}

	if count > 0 {
		listeners, err := inherit(count)
		if err != nil {
			return nil, false, err
		}
		// Only the first socket is served; extra ones are closed.
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		return listeners[0], true, nil
	}

	if addr == "" {
		return nil, false, ErrNoAddress
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// socketCount reads LISTEN_PID and LISTEN_FDS. It returns 0 when activation
// is absent or meant for another process.
func socketCount(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return 0, nil
	}
	return numFDs, nil
}

func inherit(count int) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor.
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
