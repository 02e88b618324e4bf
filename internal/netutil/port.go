// Package netutil provides listen-port allocation and device identity.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoPortAvailable is returned when neither the preferred port nor any
// port in the fallback range could be bound. Fatal to startup.
var ErrNoPortAvailable = errors.New("no listen port available")

// BoundPort owns an open listening socket. Binding is the allocation:
// holding the listener closes the race between checking a port and using it.
type BoundPort struct {
	Port     int
	Listener *net.TCPListener
}

// Close releases the listener. The HTTP server normally takes ownership of
// the listener instead, in which case Close must not be called.
func (b *BoundPort) Close() error {
	return b.Listener.Close()
}

// Allocate binds the preferred port, falling back to the first bindable
// port in [rangeStart, rangeEnd] scanned in ascending order. The preferred
// port is skipped inside the range scan since it was already attempted.
func Allocate(preferred, rangeStart, rangeEnd int) (*BoundPort, error) {
	if bp, err := bind(preferred); err == nil {
		return bp, nil
	}

	for port := rangeStart; port <= rangeEnd; port++ {
		if port == preferred {
			continue
		}
		if bp, err := bind(port); err == nil {
			return bp, nil
		}
	}

	return nil, fmt.Errorf("%w: preferred %d, range %d-%d", ErrNoPortAvailable, preferred, rangeStart, rangeEnd)
}

func bind(port int) (*BoundPort, error) {
	addr := &net.TCPAddr{IP: net.IPv4zero, Port: port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &BoundPort{
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Listener: ln,
	}, nil
}
