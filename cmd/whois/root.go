package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"gitlab.esta.spb.ru/arseny/whois/internal/config"
	"gitlab.esta.spb.ru/arseny/whois/internal/whois"
)

const usageText = `Usage:
  whois [-46hv] [-p PORT] [-s SERV] TLD

Options:
  -4          Use IPv4 (default)
  -6          Use IPv6
  -h          Show help message
  -p PORT     Use port PORT instead of 43
  -s SERV     Use whois server SERV instead of whois.iana.org
  -v          Verbose, show description each step

      --config PATH       Load settings from a YAML file
      --nameserver ADDR   Resolve SERV through the DNS server at ADDR (host:port)
      --timeout DURATION  Give up connecting after DURATION
      --debug             Print debug diagnostics to stderr
`

type cliOpts struct {
	ipv4       bool
	ipv6       bool
	port       string
	server     string
	verbose    bool
	configPath string
	nameserver string
	timeout    time.Duration
	debug      bool
}

// run executes one invocation and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	if args == nil {
		args = []string{} // cobra falls back to os.Args on nil
	}

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err == nil {
		return 0
	}

	var usageErr *config.UsageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(stderr, "%s: %s\n", platformName, usageErr.Msg)
		fmt.Fprint(stderr, usageText)
		return 1
	}

	fmt.Fprintln(stderr, err)
	return 1
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts cliOpts

	cmd := &cobra.Command{
		Use:           "whois [-46hv] [-p PORT] [-s SERV] TLD",
		Short:         "Query a WHOIS server",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &opts)
			if err != nil {
				return err
			}

			return query(cfg, args, stdout, stderr)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetHelpFunc(func(*cobra.Command, []string) {
		fmt.Fprint(stderr, usageText)
	})
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &config.UsageError{Msg: err.Error()}
	})

	flags := cmd.Flags()
	flags.BoolVarP(&opts.ipv4, "ipv4", "4", false, "Use IPv4 (default)")
	flags.BoolVarP(&opts.ipv6, "ipv6", "6", false, "Use IPv6")
	flags.StringVarP(&opts.port, "port", "p", config.DefaultPort, "Use port PORT instead of 43")
	flags.StringVarP(&opts.server, "server", "s", config.DefaultServer, "Use whois server SERV")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose, show description each step")
	flags.StringVar(&opts.configPath, "config", "", "Path to config file")
	flags.StringVar(&opts.nameserver, "nameserver", "", "Resolve the server through this DNS server (host:port)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Connect timeout, 0 means none")
	flags.BoolVar(&opts.debug, "debug", false, "Print debug diagnostics to stderr")

	return cmd
}

// loadConfig layers flags that were set explicitly over the config file and environment.
func loadConfig(cmd *cobra.Command, opts *cliOpts) (config.Config, error) {
	var files []string
	if opts.configPath != "" {
		files = append(files, opts.configPath)
	}

	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, errors.WithMessage(err, "cannot load configuration")
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		if _, err := config.ParsePort(opts.port); err != nil {
			return config.Config{}, err
		}
		cfg.Query.Port = opts.port
	}
	if flags.Changed("server") {
		cfg.Query.Server = opts.server
	}
	if opts.ipv4 {
		cfg.Query.Family = "ipv4"
	}
	if opts.ipv6 {
		cfg.Query.Family = "ipv6"
	}
	if opts.verbose {
		cfg.Query.Verbose = true
	}
	if flags.Changed("nameserver") {
		cfg.Query.Nameserver = opts.nameserver
	}
	if flags.Changed("timeout") {
		cfg.Query.Timeout = opts.timeout
	}
	if opts.debug {
		cfg.Log.DebugLvl = true
	}

	return cfg, nil
}

func query(cfg config.Config, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return &config.UsageError{Msg: "TLD not specified"}
	}

	text, stripped := config.StripScheme(args[0])
	if stripped && cfg.Query.Verbose {
		fmt.Fprintln(stdout, "=== Ignoring URI scheme on TLD")
	}

	req, err := cfg.Query.Request(text)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return errors.WithMessage(err, "cannot init new logger")
	}
	defer func() { _ = closeLog() }()

	opts := []whois.Option{
		whois.WithLogger(logger),
		whois.WithDialer(&net.Dialer{Timeout: cfg.Query.Timeout}),
	}
	if cfg.Query.Verbose {
		opts = append(opts, whois.WithTrace(stdout))
	}
	if cfg.Query.Nameserver != "" {
		opts = append(opts, whois.WithResolver(whois.NewDNSResolver(cfg.Query.Nameserver, cfg.Query.Timeout)))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	received, err := whois.NewClient(opts...).Query(ctx, req, stdout)
	if err != nil {
		logger.WithError(err).Debug("query failed")
		return err
	}
	logger.WithField("bytes", received).Debug("query finished")

	return nil
}
