// Package sshtunnel forwards local TCP ports to remote services by
// supervising the system ssh client (`ssh -N -L`).
//
// # Tunnels
//
// A [Tunnel] owns at most one ssh process. [Tunnel.Start] picks a local port
// (or checks the configured one is free), spawns ssh, waits a short grace
// period for early exits such as authentication failures, then probes the
// local port until it accepts TCP connections. Start either returns true
// with the port forwarding, or false with the process reaped and the reason
// available from [Tunnel.Err] as a [*TunnelError].
//
// [Tunnel.Stop] sends SIGTERM and escalates to SIGKILL after the stop
// timeout. Stop is idempotent.
//
// States move Idle -> Starting -> Ready -> Stopping -> Stopped, or
// Starting -> Failed. Stopped and Failed tunnels can be started again and
// keep their local port.
//
// # Registry
//
// [Registry] names tunnels so callers such as provider adapters can share
// one forward per endpoint. Concurrent CreateTunnel calls for the same name
// spawn a single process. Dead entries are evicted lazily when a lookup
// finds them; there is no background sweeper.
//
// # Ports
//
// [AllocatePort] binds port 0 on 127.0.0.1 and releases it. Another process
// can take the port before ssh binds it; ssh then exits and Start reports a
// spawn failure.
package sshtunnel
