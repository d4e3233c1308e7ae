package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"

	"github.com/semihalev/adns/dnssec"
	"github.com/semihalev/adns/zonefile"
)

// BuildVersion is set at build time.
var BuildVersion = "1.0.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "adns",
		Short:   "Authoritative DNS server",
		Long:    "adns serves primary, secondary, forward and hint zones over UDP, TCP, TLS, HTTPS and QUIC.",
		Version: BuildVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath(cmd))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "adns.conf", "Location of config file, if not found it will be generated")

	cmd.AddCommand(newCmdServe())
	cmd.AddCommand(newCmdKeygen())
	cmd.AddCommand(newCmdVersion())

	return cmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

func newCmdServe() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the DNS server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath(cmd))
		},
	}
}

func newCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "adns v%s %s/%s %s\n", BuildVersion, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func newCmdKeygen() *cobra.Command {
	var (
		zoneName  string
		algorithm string
		ksk       bool
		dir       string
		ttl       uint32
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a DNSSEC key pair in BIND format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := dns.IsDomainName(zoneName); !ok || zoneName == "" {
				return fmt.Errorf("invalid zone %q", zoneName)
			}

			alg, ok := dns.StringToAlgorithm[strings.ToUpper(algorithm)]
			if !ok {
				return fmt.Errorf("unknown algorithm %q", algorithm)
			}

			role := dnssec.ZSK
			if ksk {
				role = dnssec.KSK
			}

			k, err := dnssec.GenerateKey(zoneName, alg, role, ttl)
			if err != nil {
				return err
			}

			base, err := zonefile.WriteKey(dir, k)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, base)

			if role == dnssec.KSK {
				if ds := k.DNSKEY.ToDS(dns.SHA256); ds != nil {
					fmt.Fprintln(out, ds.String())
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&zoneName, "zone", "z", "", "Zone the key belongs to")
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "ECDSAP256SHA256", "Signing algorithm")
	cmd.Flags().BoolVar(&ksk, "ksk", false, "Generate a key signing key")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory the key files are written to")
	cmd.Flags().Uint32Var(&ttl, "ttl", 3600, "DNSKEY TTL")
	_ = cmd.MarkFlagRequired("zone")

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetContext(ctx)

	if _, err := root.ExecuteC(); err != nil {
		zlog.Error("Failed", "error", err.Error())
		stop()
		os.Exit(1)
	}
}
