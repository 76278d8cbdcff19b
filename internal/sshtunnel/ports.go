package sshtunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const loopback = "127.0.0.1"

// probeRetryInterval is the delay between connect attempts while probing.
// Package-level var so tests can override.
var probeRetryInterval = 100 * time.Millisecond

// recentPorts remembers the last ports handed out so two tunnels starting at
// the same moment are not given the same port before either has bound it.
const recentPortsSize = 64

// allocateAttempts bounds the binds tried before giving up on a fresh port.
const allocateAttempts = 8

var allocator = &portAllocator{}

// listenEphemeral binds a loopback port chosen by the OS and releases it.
// Package-level var so tests can override.
var listenEphemeral = func() (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(loopback, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

type portAllocator struct {
	mu     sync.Mutex
	recent [recentPortsSize]int
	head   int
}

func (a *portAllocator) seen(port int) bool {
	for _, p := range a.recent {
		if p == port {
			return true
		}
	}
	return false
}

func (a *portAllocator) allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < allocateAttempts; attempt++ {
		port, err := listenEphemeral()
		if err != nil {
			return 0, fmt.Errorf("bind ephemeral port: %w", err)
		}
		if !a.seen(port) {
			a.recent[a.head] = port
			a.head = (a.head + 1) % recentPortsSize
			return port, nil
		}
	}
	return 0, fmt.Errorf("no unused ephemeral port after %d attempts", allocateAttempts)
}

// AllocatePort asks the OS for a free loopback TCP port and releases it.
// The port is free at return time but nothing stops another process from
// taking it before the caller binds it.
func AllocatePort() (int, error) {
	return allocator.allocate()
}

// PortAvailable reports whether the loopback port can be bound right now.
func PortAvailable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(loopback, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Probe reports whether a TCP connection to the loopback port succeeds
// before timeout elapses or ctx is cancelled. Failed attempts are retried
// every probeRetryInterval. Probe never blocks longer than timeout.
func Probe(ctx context.Context, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(loopback, strconv.Itoa(port))
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return true
		}

		timer := time.NewTimer(probeRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
