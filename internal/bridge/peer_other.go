//go:build !linux

package bridge

import (
	"errors"
	"net"
)

// GetPeerCredentials is only supported on Linux.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, errors.New("peer credentials not supported on this platform")
}

// VerifyPeerIsCurrentUser accepts every peer. Outside Linux the 0600 socket
// mode is the only check.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return true, nil
}
