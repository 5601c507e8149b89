package unixsocket

import (
	"fmt"
	"net"
)

// Listener accepts SOCK_SEQPACKET connections on a unix address, typically
// in the abstract namespace (name starting with "@")
type Listener struct {
	*net.UnixListener
}

// Listen creates a SOCK_SEQPACKET listener on addr. An addr starting with
// "@" lives in the abstract namespace: it disappears with the listener,
// leaves no socket file and stays reachable after the peer pivots its root
func Listen(addr string) (*Listener, error) {
	l, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: addr, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("Listen: failed to listen %s %v", addr, err)
	}
	return &Listener{l}, nil
}

// Accept waits for the next connection and wraps it into a Socket
func (l *Listener) Accept() (*Socket, error) {
	conn, err := l.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newSocket(conn), nil
}

// Dial connects to a SOCK_SEQPACKET listener at addr
func Dial(addr string) (*Socket, error) {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: addr, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("Dial: failed to dial %s %v", addr, err)
	}
	return newSocket(conn), nil
}
