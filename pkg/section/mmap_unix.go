//go:build unix || linux || darwin || freebsd || openbsd || netbsd

// pkg/section/mmap_unix.go
package section

import "golang.org/x/sys/unix"

// reserveHostView reserves size bytes of anonymous, zero-filled memory
// to stand in for a section's contiguous host-addressable view. Real
// SGX sections are carved from physical memory the hardware already
// enumerated at boot; an anonymous mmap is the closest host-side
// analogue a user-space simulation can reserve, matching the teacher's
// mmap_unix.go which reserves a file-backed view for database pages.
func reserveHostView(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// releaseHostView unmaps a view obtained from reserveHostView.
func releaseHostView(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
