package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"golang.org/x/sys/unix"

	"clawd/internal/lifecycle"
)

// maxSocketPath is the usable length of sockaddr_un.sun_path on Linux.
const maxSocketPath = 107

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSocketPath verifies the IPC socket path fits in a unix socket address.
func CheckSocketPath(path string) Result {
	const name = "IPC socket"
	if len(path) > maxSocketPath {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: path is %d bytes, limit %d)", path, len(path), maxSocketPath)}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// CheckMemorySampler takes one memory sample. A nil sampler uses the system
// sampler.
func CheckMemorySampler(sampler lifecycle.MemorySampler) Result {
	const name = "Memory sampler"
	if sampler == nil {
		sampler = lifecycle.NewSystemSampler()
	}
	sample, err := sampler.Sample()
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("sample failed (%v)", err)}
	}
	if sample.SystemTotalBytes == 0 {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("process only (rss %.1f MiB)", sample.RSSMB())}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("system %.1f%% used, %.0f MiB available", sample.SystemPercent, sample.AvailableMB())}
}

// CheckNetlink verifies the daemon can open a kernel uevent socket.
func CheckNetlink() Result {
	const name = "Netlink power monitor"
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("unavailable (%v)", err)}
	}
	_ = conn.Close()
	return Result{Name: name, Passed: true, Detail: "uevent socket available"}
}

// CheckAPIBind verifies the HTTP status address can be bound. An address in
// use by a running daemon is reported as such rather than as a failure.
func CheckAPIBind(ctx context.Context, addr string) Result {
	const name = "Status API"
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", addr, err)}
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err == nil {
		_ = listener.Close()
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (available)", addr)}
	}
	if errors.Is(err, unix.EADDRINUSE) {
		dialer := net.Dialer{Timeout: time.Second}
		if conn, dialErr := dialer.DialContext(ctx, "tcp", addr); dialErr == nil {
			_ = conn.Close()
			return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (in use, accepting connections)", addr)}
		}
	}
	return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", addr, err)}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
