package sshtunnel

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestAllocatePort_DistinctAndBindable(t *testing.T) {
	const n = 20
	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		port, err := AllocatePort()
		if err != nil {
			t.Fatalf("AllocatePort() error: %v", err)
		}
		if port <= 0 || port > 65535 {
			t.Fatalf("AllocatePort() = %d, out of range", port)
		}
		if seen[port] {
			t.Fatalf("AllocatePort() returned %d twice", port)
		}
		seen[port] = true

		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			t.Fatalf("port %d not bindable after allocation: %v", port, err)
		}
		l.Close()
	}
}

func TestPortAvailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	if PortAvailable(port) {
		t.Errorf("PortAvailable(%d) = true while bound", port)
	}
	l.Close()
	if !PortAvailable(port) {
		t.Errorf("PortAvailable(%d) = false after release", port)
	}
}

func TestProbe_Listening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	if !Probe(context.Background(), l.Addr().(*net.TCPAddr).Port, time.Second) {
		t.Error("Probe() = false for listening port, want true")
	}
}

func TestProbe_ClosedPortTimesOut(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatal(err)
	}

	timeout := 300 * time.Millisecond
	start := time.Now()
	if Probe(context.Background(), port, timeout) {
		t.Fatal("Probe() = true for closed port, want false")
	}
	elapsed := time.Since(start)
	if elapsed < timeout-50*time.Millisecond {
		t.Errorf("Probe() gave up after %s, want about %s", elapsed, timeout)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("Probe() took %s, want at most about %s", elapsed, timeout)
	}
}

func TestProbe_BecomesReady(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(250 * time.Millisecond)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		time.Sleep(2 * time.Second)
		l.Close()
	}()

	if !Probe(context.Background(), port, 2*time.Second) {
		t.Error("Probe() = false, want true once the port starts listening")
	}
}

func TestProbe_ContextCancelled(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	if Probe(ctx, port, 5*time.Second) {
		t.Fatal("Probe() = true after cancel")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Probe() returned %s after cancel, want prompt return", elapsed)
	}
}

func TestProbe_ZeroTimeout(t *testing.T) {
	if Probe(context.Background(), 1, 0) {
		t.Error("Probe() with zero timeout = true, want false")
	}
}

// stubEphemeral makes listenEphemeral return ports in order, repeating the
// last one, and reports how many binds were made.
func stubEphemeral(t *testing.T, ports ...int) *int {
	t.Helper()
	orig := listenEphemeral
	calls := 0
	listenEphemeral = func() (int, error) {
		p := ports[len(ports)-1]
		if calls < len(ports) {
			p = ports[calls]
		}
		calls++
		return p, nil
	}
	t.Cleanup(func() { listenEphemeral = orig })
	return &calls
}

func TestPortAllocator_SkipsRecentPorts(t *testing.T) {
	stubEphemeral(t, 40000, 40000, 40000, 40001)
	a := &portAllocator{}

	first, err := a.allocate()
	if err != nil || first != 40000 {
		t.Fatalf("first allocate() = %d, %v; want 40000", first, err)
	}
	second, err := a.allocate()
	if err != nil || second != 40001 {
		t.Errorf("second allocate() = %d, %v; want 40001", second, err)
	}
}

func TestPortAllocator_ErrorsWhenOnlyRecentPortsAvailable(t *testing.T) {
	calls := stubEphemeral(t, 40000)
	a := &portAllocator{}

	if _, err := a.allocate(); err != nil {
		t.Fatalf("first allocate() error: %v", err)
	}
	port, err := a.allocate()
	if err == nil {
		t.Fatalf("allocate() = %d, want error once every bind repeats a recent port", port)
	}
	if *calls != 1+allocateAttempts {
		t.Errorf("binds = %d, want %d", *calls, 1+allocateAttempts)
	}
}
