package routing

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const disableIPv6Path = "/proc/sys/net/ipv6/conf/all/disable_ipv6"

// IPv6Available reports whether the host has a usable IPv6 stack.
func IPv6Available() bool {
	if b, err := os.ReadFile(disableIPv6Path); err == nil && strings.TrimSpace(string(b)) == "1" {
		return false
	}
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}
