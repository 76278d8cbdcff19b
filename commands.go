package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/aicli/internal/config"
	"github.com/gluk-w/aicli/internal/database"
	"github.com/gluk-w/aicli/internal/logging"
	"github.com/gluk-w/aicli/internal/providers"
	"github.com/gluk-w/aicli/internal/sshkeys"
	"github.com/gluk-w/aicli/internal/sshtunnel"
)

// livenessInterval is how often a held tunnel is checked for an ssh exit.
const livenessInterval = time.Second

func newTunnelCmd() *cobra.Command {
	var provider string
	var endpoint sshtunnel.EndpointConfig
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Open an ssh tunnel and hold it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := endpoint
			if provider != "" {
				file, err := loadProviders()
				if err != nil {
					return err
				}
				p, ok := file.Provider(provider)
				if !ok || p.SSH == nil {
					return fmt.Errorf("provider %s has no ssh config in %s", provider, config.Cfg.ConfigFile)
				}
				cfg = *p.SSH
			} else if endpoint.Host == "" {
				return errors.New("one of --provider or --host is required")
			}

			return sshtunnel.WithTunnel(cfg, tunnelOptions(), func(t *sshtunnel.Tunnel) error {
				fmt.Fprintln(cmd.OutOrStdout(), t.LocalURL())
				fmt.Fprintf(cmd.ErrOrStderr(), "Forwarding %s to %s:%d via %s (pid %d). Press Ctrl+C to stop.\n",
					t.LocalURL(), t.Config().RemoteHost, t.Config().RemotePort, t.Config().Target(), t.Pid())
				return holdTunnel(ctx, t)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "use the ssh block of this provider from the config file")
	cmd.Flags().StringVar(&endpoint.Host, "host", "", "ssh server host")
	cmd.Flags().IntVar(&endpoint.Port, "port", sshtunnel.DefaultSSHPort, "ssh server port")
	cmd.Flags().StringVar(&endpoint.Username, "user", "", "ssh username")
	cmd.Flags().StringVar(&endpoint.KeyFile, "key", "", "private key file passed to ssh -i")
	cmd.Flags().IntVar(&endpoint.LocalPort, "local-port", 0, "local port (0 picks a free one)")
	cmd.Flags().StringVar(&endpoint.RemoteHost, "remote-host", sshtunnel.DefaultRemoteHost, "host to forward to, as seen from the ssh server")
	cmd.Flags().IntVar(&endpoint.RemotePort, "remote-port", sshtunnel.DefaultRemotePort, "port to forward to")
	return cmd
}

// holdTunnel blocks until ctx ends or the ssh process exits.
func holdTunnel(ctx context.Context, t *sshtunnel.Tunnel) error {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !t.IsActive() {
				return fmt.Errorf("ssh exited: %s", t.Diagnostics())
			}
		}
	}
}

func newCheckCmd() *cobra.Command {
	var provider, url string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that a provider is reachable, tunnelling if configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if url != "" {
				if err := providers.CheckOllama(ctx, url); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ollama: OK (%s)\n", url)
				return nil
			}

			file, err := loadProviders()
			if err != nil {
				return err
			}
			reg := sshtunnel.NewRegistry(tunnelOptions())
			defer reg.CloseAll()

			conn := providers.NewConnector(reg, file, config.Cfg.TunnelReadyTimeout)
			baseURL, err := conn.BaseURL(ctx, provider)
			if err != nil {
				return err
			}
			if err := conn.Check(ctx, provider); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%s)\n", provider, baseURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "ollama", "provider name (claude, chatgpt, ollama)")
	cmd.Flags().StringVar(&url, "url", "", "check an Ollama server at this URL directly, without the config file")
	return cmd
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers with their model and how each is reached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := loadProviders()
			if err != nil {
				return err
			}
			for _, name := range file.Names() {
				if _, ok := providers.Get(name); !ok {
					fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: %s: unknown provider %q ignored\n", config.Cfg.ConfigFile, name)
				}
			}

			conn := providers.NewConnector(nil, file, config.Cfg.TunnelReadyTimeout)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMODEL\tENDPOINT")
			for _, name := range providers.Names() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, conn.Model(name), endpointOf(name, file))
			}
			return tw.Flush()
		},
	}
}

// endpointOf describes where a provider's requests go without opening a tunnel.
func endpointOf(name string, file *config.File) string {
	p, _ := providers.Get(name)
	pc, _ := file.Provider(name)
	switch {
	case pc.SSH != nil:
		return fmt.Sprintf("ssh %s -> %s:%d", pc.SSH.Target(), pc.SSH.RemoteHost, pc.SSH.RemotePort)
	case pc.BaseURL != "":
		return pc.BaseURL
	default:
		return p.UpstreamURL
	}
}

func newHistoryCmd() *cobra.Command {
	var name string
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show persisted tunnel events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := database.Init(); err != nil {
				return fmt.Errorf("database init: %w", err)
			}
			defer database.Close()

			events, err := database.ListTunnelEvents(name, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tNAME\tEVENT\tDETAILS")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Name, e.Type, e.Details)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "only events for this tunnel name")
	cmd.Flags().IntVar(&limit, "limit", database.DefaultHistoryLimit, "maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key pair for use as key_file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = filepath.Join(config.Cfg.DataPath, "keys")
			}
			if sshkeys.KeyPairExists(dir) {
				return fmt.Errorf("key pair already exists in %s", dir)
			}
			pub, priv, err := sshkeys.GenerateKeyPair()
			if err != nil {
				return err
			}
			path, err := sshkeys.SaveKeyPair(dir, priv, pub)
			if err != nil {
				return err
			}
			info, err := sshkeys.InspectKeyFile(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %s\n", path)
			fmt.Fprintf(out, "Fingerprint: %s\n", info.Fingerprint)
			fmt.Fprintf(out, "Add this line to ~/.ssh/authorized_keys on the ssh server:\n%s", pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory for the key pair (default <data>/keys)")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the end of the log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := logging.ReadTail(config.Cfg.LogPath, lines)
			if err != nil {
				return err
			}
			if content != "" {
				fmt.Fprintln(cmd.OutOrStdout(), content)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 200, "number of lines")
	return cmd
}
