package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/mt5prov/internal/probe"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, &RunFlags{}),
		createFetchCommand(c, &FetchFlags{}),
		createVerifyCommand(c, &VerifyFlags{}),
		createChecksumsCommand(c),
		createCacheCommand(c),
		createHistoryCommand(c, &HistoryFlags{}),
		createValidateCommand(c, &ValidateFlags{}),
		createPSCommand(c),
		createTokenCommand(c, &TokenFlags{}),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mt5prov",
		Short: "Provision and supervise a MetaTrader 5 terminal under wine",
		Long: `mt5prov installs the wine mono runtime, the MetaTrader 5 terminal, a Windows
Python runtime and the mt5linux bridge into a wine prefix, then keeps the
terminal and the bridge running until it receives SIGINT or SIGTERM.

Every step is idempotent: work already present in the prefix is skipped.

Examples:
  mt5prov run                              # provision and serve
  mt5prov run --no-wait                    # provision, clean up, exit
  mt5prov validate --host localhost        # probe the health surface
  mt5prov history --limit 20               # recent step outcomes`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.EnvFile, "env-file", ".env", "path to .env file (missing default is ignored)")
	return root
}

func createRunCommand(c command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision the prefix and supervise the terminal and bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Run(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.NoWait, "no-wait", false, "exit after provisioning instead of keeping services alive")
	return cmd
}

func createFetchCommand(c command, flags *FetchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url> <dest>",
		Short: "Download one artifact through the cache and verify it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Fetch(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], *flags)
		},
	}
	cmd.Flags().StringVar(&flags.SHA256, "sha256", "", "expected SHA-256 (defaults to the known table)")
	return cmd
}

func createVerifyCommand(c command, flags *VerifyFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Print the SHA-256 of a file and compare it with the expected digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Verify(cmd.OutOrStdout(), args[0], *flags)
		},
	}
	cmd.Flags().StringVar(&flags.SHA256, "sha256", "", "expected SHA-256 (defaults to the known table)")
	return cmd
}

func createChecksumsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "checksums <manifest> <file>...",
		Short: "Write a checksum manifest for the given artifacts",
		Long: `Hash every file and write a YAML manifest keyed by file name. Point
checksums.manifest at the result to pin artifact digests.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Checksums(cmd.OutOrStdout(), args[0], args[1:])
		},
	}
}

func createCacheCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the artifact cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached artifacts with age and validity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.CacheList(cmd.OutOrStdout())
		},
	}, &cobra.Command{
		Use:   "prune",
		Short: "Remove expired, orphaned and unreadable entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.CachePrune(cmd.OutOrStdout())
		},
	})
	return cmd
}

func createHistoryCommand(c command, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent step outcomes from the history store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.History(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.DSN, "dsn", "", "history DSN (defaults to history.dsn)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum number of events")
	return cmd
}

func createValidateCommand(c command, flags *ValidateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Probe the VNC, API and bridge ports of a running container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Validate(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "localhost", "host to probe")
	cmd.Flags().IntVar(&flags.APIPort, "api-port", probe.DefaultAPIPort, "REST API port")
	cmd.Flags().IntVar(&flags.VNCPort, "vnc-port", probe.DefaultVNCPort, "VNC web port")
	cmd.Flags().IntSliceVar(&flags.Ports, "ports", nil, "TCP ports that must accept connections (default vnc, api, bridge)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "per-check timeout")
	cmd.Flags().StringVar(&flags.Symbol, "symbol", probe.DefaultSymbol, "symbol whose tick stream is sampled")
	return cmd
}

func createPSCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List background processes recorded in the state directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.PS(cmd.OutOrStdout())
		},
	}
}

func createTokenCommand(c command, flags *TokenFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for POST /shutdown",
		Long: `Sign a short-lived token with status.secret. The status API requires it
on POST /shutdown whenever a secret is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Token(cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Subject, "subject", "operator", "token subject, logged with the shutdown reason")
	cmd.Flags().DurationVar(&flags.TTL, "ttl", time.Hour, "token lifetime")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "mt5prov", version)
		},
	}
}
