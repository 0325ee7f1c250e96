//go:build !windows

package bridge

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PeerCredentials holds the credentials of a peer process.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// SetSocketPermissions sets the socket file permissions.
func SetSocketPermissions(path string, mode os.FileMode) error {
	return unix.Chmod(path, uint32(mode.Perm()))
}

// CleanupSocket removes a stale socket file. Anything other than a socket
// at path is left alone and reported.
func CleanupSocket(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	return unix.Unlink(path)
}
