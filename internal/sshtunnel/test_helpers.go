package sshtunnel

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FakeSSHEnv selects a fake ssh behaviour when a test binary is used as the
// ssh executable. See ServeFakeSSHIfRequested.
const FakeSSHEnv = "AICLI_FAKE_SSH_MODE"

// Fake ssh behaviours.
const (
	FakeSSHForward  = "forward"   // binds the -L port, exits on SIGTERM
	FakeSSHAuthFail = "auth-fail" // prints a publickey denial and exits 255
	FakeSSHRefused  = "refused"   // prints a connection error and exits 255
	FakeSSHSilent   = "silent"    // never binds, exits on SIGTERM
	FakeSSHStubborn = "stubborn"  // binds the -L port, ignores SIGTERM
)

// FakeSSHEnviron returns the environment entries that make a re-executed
// test binary act as ssh in mode. Race-enabled binaries otherwise sleep for
// a second on exit, which would count against stop and probe timings.
func FakeSSHEnviron(mode string) []string {
	return []string{FakeSSHEnv + "=" + mode, "GORACE=atexit_sleep_ms=0"}
}

// ServeFakeSSHIfRequested turns the current process into a fake ssh when
// FakeSSHEnv is set. Call it first thing in TestMain, then point
// Options.SSHBinary at os.Args[0].
func ServeFakeSSHIfRequested() {
	mode := os.Getenv(FakeSSHEnv)
	if mode == "" {
		return
	}
	os.Exit(RunFakeSSH(mode, os.Args[1:]))
}

// RunFakeSSH emulates ssh for the given behaviour and ssh arguments and
// returns the exit code.
func RunFakeSSH(mode string, args []string) int {
	switch mode {
	case FakeSSHAuthFail:
		fmt.Fprintln(os.Stderr, "git@example.com: Permission denied (publickey).")
		return 255
	case FakeSSHRefused:
		fmt.Fprintln(os.Stderr, "ssh: connect to host example.com port 22: Connection refused")
		return 255
	}

	sigs := make(chan os.Signal, 1)
	if mode == FakeSSHStubborn {
		signal.Ignore(syscall.SIGTERM)
	} else {
		signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	}

	if mode == FakeSSHForward || mode == FakeSSHStubborn {
		l, err := net.Listen("tcp", net.JoinHostPort(loopback, strconv.Itoa(forwardPort(args))))
		if err != nil {
			fmt.Fprintln(os.Stderr, "bind:", err)
			return 255
		}
		go func() {
			for {
				c, err := l.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}()
	}

	select {
	case <-sigs:
	case <-time.After(time.Minute):
	}
	return 0
}

// forwardPort extracts the local port from "-L port:host:port".
func forwardPort(args []string) int {
	for i, a := range args {
		if a == "-L" && i+1 < len(args) {
			p, _ := strconv.Atoi(strings.SplitN(args[i+1], ":", 2)[0])
			return p
		}
	}
	return 0
}
