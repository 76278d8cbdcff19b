package sshtunnel

// WithTunnel starts a tunnel for cfg, runs fn with it and stops the tunnel
// when fn returns or panics. If the tunnel does not become ready, fn is not
// called and the start error is returned.
func WithTunnel(cfg EndpointConfig, opts Options, fn func(*Tunnel) error) error {
	t := NewTunnel(cfg, opts)
	defer t.Stop()

	if !t.Start() {
		return t.Err()
	}
	return fn(t)
}
