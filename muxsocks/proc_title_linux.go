//go:build linux

package muxsocks

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessTitle renames the process as shown by ps and top. The kernel
// truncates the comm name to 15 bytes.
func setProcessTitle(title string) {
	name := title
	if len(name) > 15 {
		name = name[:15]
	}
	buf := append([]byte(name), 0)
	unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
