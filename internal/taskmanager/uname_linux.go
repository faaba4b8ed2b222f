//go:build linux

package taskmanager

import (
	"fmt"
	"syscall"
)

// unameString renders the kernel identification string reported by
// GET /status, the embedded-store equivalent of what the original
// implementation got from the C library's uname(2).
func unameString() string {
	var uts syscall.Utsname
	if err := syscall.Uname(&uts); err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%s %s %s", utsString(uts.Sysname[:]), utsString(uts.Release[:]), utsString(uts.Machine[:]))
}

func utsString(field []int8) string {
	buf := make([]byte, 0, len(field))
	for _, c := range field {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}
