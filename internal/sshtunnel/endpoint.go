package sshtunnel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Endpoint defaults applied to zero-valued fields.
const (
	DefaultSSHPort    = 22
	DefaultRemoteHost = "localhost"
	DefaultRemotePort = 11434
)

// EndpointConfig describes one forwarding target: the ssh server to connect
// to and the host:port reachable from it that should appear on a local port.
type EndpointConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	LocalPort  int    `json:"local_port,omitempty" yaml:"local_port,omitempty"` // 0 = allocate
	RemoteHost string `json:"remote_host,omitempty" yaml:"remote_host,omitempty"`
	RemotePort int    `json:"remote_port,omitempty" yaml:"remote_port,omitempty"`
}

// WithDefaults returns a copy with zero-valued fields set to their defaults.
func (c EndpointConfig) WithDefaults() EndpointConfig {
	c.Host = strings.TrimSpace(c.Host)
	if c.Port == 0 {
		c.Port = DefaultSSHPort
	}
	if c.RemoteHost == "" {
		c.RemoteHost = DefaultRemoteHost
	}
	if c.RemotePort == 0 {
		c.RemotePort = DefaultRemotePort
	}
	return c
}

// Validate checks a defaulted config. Hosts and usernames starting with "-"
// are rejected because they would be parsed as ssh options.
func (c EndpointConfig) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	} else if strings.HasPrefix(c.Host, "-") || strings.ContainsAny(c.Host, " \t\r\n@") {
		errs = append(errs, fmt.Errorf("invalid host %q", c.Host))
	}
	if strings.HasPrefix(c.Username, "-") || strings.ContainsAny(c.Username, " \t\r\n@") {
		errs = append(errs, fmt.Errorf("invalid username %q", c.Username))
	}
	if !validPort(c.Port) {
		errs = append(errs, fmt.Errorf("ssh port %d out of range", c.Port))
	}
	if !validPort(c.RemotePort) {
		errs = append(errs, fmt.Errorf("remote port %d out of range", c.RemotePort))
	}
	if c.LocalPort != 0 && !validPort(c.LocalPort) {
		errs = append(errs, fmt.Errorf("local port %d out of range", c.LocalPort))
	}
	if c.RemoteHost == "" || strings.ContainsAny(c.RemoteHost, " \t\r\n") {
		errs = append(errs, fmt.Errorf("invalid remote host %q", c.RemoteHost))
	}
	return errors.Join(errs...)
}

// Target returns the ssh destination, [username@]host.
func (c EndpointConfig) Target() string {
	if c.Username != "" {
		return c.Username + "@" + c.Host
	}
	return c.Host
}

// Forward returns the -L specification for the given local port.
func (c EndpointConfig) Forward(localPort int) string {
	return fmt.Sprintf("%d:%s:%d", localPort, c.RemoteHost, c.RemotePort)
}

// args builds the ssh argument list. The order is fixed so the same config
// and port always produce the same command line.
func (c EndpointConfig) args(localPort int) []string {
	args := []string{
		"-N",
		"-L", c.Forward(localPort),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	}
	if c.KeyFile != "" {
		args = append(args, "-i", c.KeyFile)
	}
	args = append(args, c.Target())
	if c.Port != DefaultSSHPort {
		args = append(args, "-p", strconv.Itoa(c.Port))
	}
	return args
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
