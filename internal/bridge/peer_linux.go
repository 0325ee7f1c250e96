//go:build linux

package bridge

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials retrieves the credentials of the process at the other
// end of a Unix socket.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix connection")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt: %w", credErr)
	}

	return &PeerCredentials{
		PID: int(cred.Pid),
		UID: int(cred.Uid),
		GID: int(cred.Gid),
	}, nil
}

// VerifyPeerIsCurrentUser reports whether the peer runs as the current user.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}
