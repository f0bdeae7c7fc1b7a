package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/xpmate-capture/internal/network"
)

const (
	defaultCACertPath = "~/.xpmate/ca.pem"
	defaultCAKeyPath  = "~/.xpmate/ca-key.pem"
)

func newCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manages the certificate authority used to intercept HTTPS",
	}
	cmd.AddCommand(newCAGenerateCmd())
	return cmd
}

func newCAGenerateCmd() *cobra.Command {
	var (
		certPath string
		keyPath  string
		name     string
		days     int
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Creates a new CA pair; existing files are never overwritten",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if certPath == "" {
				certPath = firstNonEmpty(cfg.Proxy.CACert, defaultCACertPath)
			}
			if keyPath == "" {
				keyPath = firstNonEmpty(cfg.Proxy.CAKey, defaultCAKeyPath)
			}
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}

			ca, err := network.NewCA(name, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			if err := ca.WriteFiles(certPath, keyPath); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s and %s.\n", certPath, keyPath)
			fmt.Fprintln(out, "Install the certificate on the phone and trust it, then set:")
			fmt.Fprintf(out, "  proxy.ca_cert: %s\n  proxy.ca_key: %s\n", certPath, keyPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&certPath, "cert", "", "certificate output path (default proxy.ca_cert or "+defaultCACertPath+")")
	cmd.Flags().StringVar(&keyPath, "key", "", "private key output path (default proxy.ca_key or "+defaultCAKeyPath+")")
	cmd.Flags().StringVar(&name, "name", "XPMATE Capture CA", "certificate common name")
	cmd.Flags().IntVar(&days, "days", 3650, "validity in days")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
