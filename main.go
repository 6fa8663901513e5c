package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	config := ServerConfig{}

	rootCmd := &cobra.Command{
		Use:   "forwarded",
		Short: "Forwarded resolves client addresses from the Forwarded header",
		Long: `Forwarded is a web server that resolves the client address of each request
		  from the RFC 7239 Forwarded header, and registers addresses of clients
		  holding a label token in a consul kv ipset.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := NewServer(config)
			if err != nil {
				return err
			}

			if err = s.LogAdminPass(); err != nil {
				return err
			}

			return s.Run()
		},
	}

	rootCmd.Flags().StringVar(&config.Listen, "listen", envOr("LISTEN", ":80"), "Address to listen on")
	rootCmd.Flags().StringVar(&config.ConsulURL, "consul-addr", "", "Consul address")
	rootCmd.Flags().StringVar(&config.ConsulToken, "consul-token", os.Getenv("CONSUL_TOKEN"), "Consul token")
	rootCmd.Flags().StringVarP(&config.ConsulPath, "consul-path", "p", os.Getenv("CONSUL_PATH"), "Consul path")
	rootCmd.Flags().StringVar(&config.HashKey, "hash-key", os.Getenv("HASH_KEY"), "Hash key for securecookie and address tokens. Should be at least 32 bytes long")
	rootCmd.Flags().StringVar(&config.BlockKey, "block-key", os.Getenv("BLOCK_KEY"), "Block key for securecookie. Should be 16 (AES-128) or 32 bytes (AES-256) long")
	rootCmd.Flags().StringVarP(&config.Domain, "domain", "d", os.Getenv("DOMAIN"), "Domain to host the website")
	rootCmd.Flags().StringSliceVar(&config.TrustedProxies, "trusted-proxies", nil, "Addresses or prefixes of proxies whose forwarding headers are trusted")
	rootCmd.Flags().StringVar(&config.LogLevel, "log-level", envOr("LOG_LEVEL", "INFO"), "Log level")

	rootCmd.AddCommand(newParseCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
