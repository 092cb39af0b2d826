//go:build linux || darwin

package ipc

import (
	"errors"
	"net"
)

var errNotUnixConn = errors.New("connection is not a unix socket")

// peerUID returns the uid of the process on the other end of conn.
func peerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, errNotUnixConn
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var uid uint32
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		uid, credErr = socketPeerUID(int(fd))
	}); err != nil {
		return 0, err
	}
	return uid, credErr
}
