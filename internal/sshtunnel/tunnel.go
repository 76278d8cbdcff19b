package sshtunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/aicli/internal/logutil"
	"github.com/gluk-w/aicli/internal/sshkeys"
)

// Timing and binary defaults used when an Options field is zero.
const (
	DefaultSSHBinary    = "ssh"
	DefaultGracePeriod  = 2 * time.Second
	DefaultProbeTimeout = 5 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// maxCapturedOutput bounds how much ssh stdout/stderr is kept per process.
const maxCapturedOutput = 64 * 1024

// waitDelay bounds how long Wait keeps copying output after the process
// exits, in case a grandchild still holds the pipes.
const waitDelay = time.Second

// execCommand builds the ssh child process. Replaced in tests.
var execCommand = exec.Command

// Options controls how tunnels spawn and supervise ssh.
type Options struct {
	SSHBinary    string
	GracePeriod  time.Duration // wait before checking for an early exit
	ProbeTimeout time.Duration // total budget for the readiness probe
	StopTimeout  time.Duration // graceful stop before the process is killed
}

func DefaultOptions() Options {
	return Options{
		SSHBinary:    DefaultSSHBinary,
		GracePeriod:  DefaultGracePeriod,
		ProbeTimeout: DefaultProbeTimeout,
		StopTimeout:  DefaultStopTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.SSHBinary == "" {
		o.SSHBinary = DefaultSSHBinary
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	return o
}

// cappedBuffer is a goroutine-safe buffer that keeps the first max bytes
// written and discards the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// process is one spawned ssh. err is only valid after exited is closed.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
	stdout *cappedBuffer
	stderr *cappedBuffer
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// readiness is a one-shot signal that resolves to true or false once and
// can be awaited by any number of goroutines.
type readiness struct {
	once sync.Once
	done chan struct{}
	ok   bool
}

func newReadiness() *readiness {
	return &readiness{done: make(chan struct{})}
}

func (r *readiness) resolve(ok bool) {
	r.once.Do(func() {
		r.ok = ok
		close(r.done)
	})
}

func (r *readiness) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Tunnel supervises one `ssh -N -L` process forwarding a local port to a
// remote host:port. Start and Stop are serialized; all other methods may be
// called from any goroutine.
type Tunnel struct {
	ID string

	config EndpointConfig
	opts   Options

	op sync.Mutex // serializes Start and Stop

	mu         sync.Mutex
	state      State
	localPort  int
	proc       *process
	lastOutput *cappedBuffer // stderr of the most recent process
	ready      *readiness
	lastErr    *TunnelError
	startedAt  time.Time
	history    transitionLog
}

// NewTunnel creates an idle tunnel. A non-zero cfg.LocalPort is used as-is;
// otherwise a port is allocated on the first Start and kept afterwards.
func NewTunnel(cfg EndpointConfig, opts Options) *Tunnel {
	cfg = cfg.WithDefaults()
	return &Tunnel{
		ID:        uuid.NewString(),
		config:    cfg,
		opts:      opts.withDefaults(),
		state:     StateIdle,
		localPort: cfg.LocalPort,
		ready:     newReadiness(),
	}
}

// Start spawns ssh and blocks until the forwarded port accepts connections
// or startup fails. It returns true when the tunnel is ready, including when
// it already was. On failure Err reports the classified reason and no child
// process is left running.
func (t *Tunnel) Start() bool {
	t.op.Lock()
	defer t.op.Unlock()

	if t.IsActive() {
		return true
	}
	// A process that died on its own is reaped before respawning.
	t.stopLocked("process exited")

	t.mu.Lock()
	if t.ready.resolved() {
		t.ready = newReadiness()
	}
	t.lastErr = nil
	t.mu.Unlock()
	t.setState(StateStarting, "start requested")

	if err := t.config.Validate(); err != nil {
		t.fail(&TunnelError{Kind: KindSpawnFailure, Message: "invalid endpoint config", Err: err})
		return false
	}

	port, terr := t.assignPort()
	if terr != nil {
		t.fail(terr)
		return false
	}

	if t.config.KeyFile != "" {
		if _, err := sshkeys.InspectKeyFile(t.config.KeyFile); err != nil {
			log.Printf("[tunnel] %s: key file check: %v", t.config.Target(), err)
		}
	}

	proc, terr := t.spawn(port)
	if terr != nil {
		t.fail(terr)
		return false
	}

	grace := time.NewTimer(t.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-proc.exited:
		t.clearProcess()
		t.fail(classifyExit(proc.err, proc.stderr.String()))
		return false
	case <-grace.C:
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-proc.exited:
			cancel()
		case <-probeCtx.Done():
		}
	}()
	ok := Probe(probeCtx, port, t.opts.ProbeTimeout)
	cancel()

	if !ok {
		exitedEarly := proc.hasExited()
		t.shutdown(proc)
		t.clearProcess()
		if exitedEarly {
			t.fail(classifyExit(proc.err, proc.stderr.String()))
		} else {
			t.fail(&TunnelError{
				Kind:       KindReadinessTimeout,
				Message:    fmt.Sprintf("port %d not accepting connections after %s", port, t.opts.ProbeTimeout),
				Diagnostic: logutil.Diagnostic(proc.stderr.String()),
			})
		}
		return false
	}

	t.setState(StateReady, "port accepting connections")
	t.mu.Lock()
	r := t.ready
	t.mu.Unlock()
	r.resolve(true)
	log.Printf("[tunnel] ready: %s local:%d -> %s:%d (pid %d)",
		t.config.Target(), port, t.config.RemoteHost, t.config.RemotePort, proc.cmd.Process.Pid)
	return true
}

func (t *Tunnel) assignPort() (int, *TunnelError) {
	t.mu.Lock()
	port := t.localPort
	t.mu.Unlock()

	if port != 0 {
		if PortAvailable(port) {
			return port, nil
		}
		if t.config.LocalPort != 0 {
			return 0, &TunnelError{Kind: KindPortUnavailable, Message: fmt.Sprintf("local port %d is in use", port)}
		}
		log.Printf("[tunnel] Port %d taken since last start, allocating a new one", port)
	}

	port, err := AllocatePort()
	if err != nil {
		return 0, &TunnelError{Kind: KindPortUnavailable, Message: "no free local port", Err: err}
	}
	t.mu.Lock()
	t.localPort = port
	t.mu.Unlock()
	return port, nil
}

func (t *Tunnel) spawn(port int) (*process, *TunnelError) {
	cmd := execCommand(t.opts.SSHBinary, t.config.args(port)...)
	proc := &process{
		cmd:    cmd,
		exited: make(chan struct{}),
		stdout: &cappedBuffer{max: maxCapturedOutput},
		stderr: &cappedBuffer{max: maxCapturedOutput},
	}
	cmd.Stdout = proc.stdout
	cmd.Stderr = proc.stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, &TunnelError{Kind: KindSpawnFailure, Message: "spawn " + t.opts.SSHBinary, Err: err}
	}
	go func() {
		proc.err = cmd.Wait()
		close(proc.exited)
	}()

	t.mu.Lock()
	t.proc = proc
	t.lastOutput = proc.stderr
	t.startedAt = time.Now()
	t.mu.Unlock()
	return proc, nil
}

// shutdown sends a graceful termination request and kills the process if it
// is still running after StopTimeout. It returns once the process is reaped.
func (t *Tunnel) shutdown(p *process) {
	if p.hasExited() {
		return
	}
	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("[tunnel] %s: terminate pid %d: %v", t.config.Target(), p.cmd.Process.Pid, err)
	}

	timer := time.NewTimer(t.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return
	case <-timer.C:
	}

	log.Printf("[tunnel] %s: pid %d still running after %s, killing", t.config.Target(), p.cmd.Process.Pid, t.opts.StopTimeout)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("[tunnel] %s: kill pid %d: %v", t.config.Target(), p.cmd.Process.Pid, err)
	}
	<-p.exited
}

func (t *Tunnel) clearProcess() {
	t.mu.Lock()
	t.proc = nil
	t.mu.Unlock()
}

// Stop terminates the ssh process, gracefully first. It is a no-op when no
// process is running and safe to call any number of times.
func (t *Tunnel) Stop() {
	t.op.Lock()
	defer t.op.Unlock()
	t.stopLocked("stop requested")
}

// stopLocked requires t.op.
func (t *Tunnel) stopLocked(reason string) {
	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()
	if proc == nil {
		return
	}

	t.setState(StateStopping, reason)
	t.shutdown(proc)

	t.mu.Lock()
	t.proc = nil
	t.ready = newReadiness()
	t.mu.Unlock()
	t.setState(StateStopped, "process exited")
	log.Printf("[tunnel] stopped: %s local:%d", t.config.Target(), t.LocalPort())
}

func (t *Tunnel) fail(err *TunnelError) {
	t.mu.Lock()
	t.lastErr = err
	r := t.ready
	t.mu.Unlock()

	t.setState(StateFailed, err.Error())
	r.resolve(false)
	log.Printf("[tunnel] start failed: %s: %s", t.config.Target(), err)
}

func (t *Tunnel) setState(to State, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		log.Printf("[tunnel] %s: ignoring invalid transition %s -> %s", t.config.Target(), from, to)
		return
	}
	t.state = to
	t.history.record(from, to, reason)
}

// IsActive reports whether a process is owned and has not exited.
func (t *Tunnel) IsActive() bool {
	t.mu.Lock()
	p := t.proc
	t.mu.Unlock()
	return p != nil && !p.hasExited()
}

// WaitReady blocks until the tunnel's readiness is decided or timeout
// elapses. A timeout <= 0 waits indefinitely. It returns false immediately
// for a failed or stopped tunnel. A true result is not a liveness check; use
// IsActive for that.
func (t *Tunnel) WaitReady(timeout time.Duration) bool {
	t.mu.Lock()
	state, r := t.state, t.ready
	t.mu.Unlock()

	switch state {
	case StateStopping, StateStopped:
		return false
	}

	if timeout <= 0 {
		<-r.done
		return r.ok
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.ok
	case <-timer.C:
		return false
	}
}

// LocalPort returns the forwarded local port, or 0 before one is assigned.
func (t *Tunnel) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPort
}

// LocalURL returns http://localhost:<port>, or "" before a port is assigned.
func (t *Tunnel) LocalURL() string {
	port := t.LocalPort()
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

func (t *Tunnel) Config() EndpointConfig {
	return t.config
}

func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the reason the last Start failed, or nil.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastErr == nil {
		return nil
	}
	return t.lastErr
}

// Pid returns the ssh process id, or 0 when no process is running.
func (t *Tunnel) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil || t.proc.cmd.Process == nil {
		return 0
	}
	return t.proc.cmd.Process.Pid
}

// Diagnostics returns the sanitized stderr of the most recent ssh process.
func (t *Tunnel) Diagnostics() string {
	t.mu.Lock()
	out := t.lastOutput
	t.mu.Unlock()
	if out == nil {
		return ""
	}
	return logutil.Diagnostic(out.String())
}

// Command returns the full command line used to spawn ssh for the current
// local port.
func (t *Tunnel) Command() []string {
	return append([]string{t.opts.SSHBinary}, t.config.args(t.LocalPort())...)
}

// Transitions returns the recorded state changes, oldest first.
func (t *Tunnel) Transitions() []StateTransition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.history()
}

// TunnelInfo is a point-in-time snapshot of a tunnel for display.
type TunnelInfo struct {
	Name       string        `json:"name,omitempty"`
	ID         string        `json:"id"`
	State      State         `json:"state"`
	Active     bool          `json:"active"`
	Target     string        `json:"target"`
	Forward    string        `json:"forward"`
	LocalPort  int           `json:"local_port"`
	URL        string        `json:"url,omitempty"`
	PID        int           `json:"pid,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	Error      string        `json:"error,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty"`
}

func (t *Tunnel) Info() TunnelInfo {
	active := t.IsActive()

	t.mu.Lock()
	defer t.mu.Unlock()
	info := TunnelInfo{
		ID:        t.ID,
		State:     t.state,
		Active:    active,
		Target:    t.config.Target(),
		LocalPort: t.localPort,
		StartedAt: t.startedAt,
	}
	if t.localPort != 0 {
		info.Forward = t.config.Forward(t.localPort)
		info.URL = fmt.Sprintf("http://localhost:%d", t.localPort)
	}
	if t.proc != nil && t.proc.cmd.Process != nil {
		info.PID = t.proc.cmd.Process.Pid
	}
	if active && !t.startedAt.IsZero() {
		info.Uptime = time.Since(t.startedAt).Round(time.Second)
	}
	if t.lastErr != nil {
		info.Error = t.lastErr.Error()
	}
	if t.lastOutput != nil {
		info.Diagnostic = logutil.Diagnostic(t.lastOutput.String())
	}
	return info
}
