package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/iowatcher/internal/capture"
	"github.com/mrzor/iowatcher/internal/config"
	"github.com/mrzor/iowatcher/internal/credentials"
	"github.com/mrzor/iowatcher/internal/pipeline"
	"github.com/mrzor/iowatcher/internal/relay"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// captureFlags are shared by commands that launch blktrace.
type captureFlags struct {
	devices []string
	extra   []string
}

func (f *captureFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.devices, "device", "d", nil, "block device to trace (repeatable)")
	cmd.Flags().StringArrayVar(&f.extra, "blktrace-arg", nil, "extra argument passed to blktrace (repeatable)")
}

func (f *captureFlags) start(rt *runtime) (*capture.Capture, error) {
	return capture.Start(capture.Options{
		Binary:    rt.cfg.Blktrace,
		Devices:   f.devices,
		ExtraArgs: f.extra,
		Stderr:    os.Stderr,
		Logger:    rt.logger,
	})
}

func closeCapture(c *capture.Capture, logger *zap.Logger) {
	if err := c.Close(); err != nil {
		logger.Debug("blktrace exit", zap.Error(err))
	}
}

// openInput opens path for reading; "-" is standard input.
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path) //nolint:gosec // reading a user-named trace file is the point
	if err != nil {
		return nil, fmt.Errorf("opening trace input: %w", err)
	}
	return f, nil
}

func newForkCmd(cfg *config.Config) *cobra.Command {
	var cf captureFlags

	cmd := &cobra.Command{
		Use:   "fork",
		Short: "run blktrace locally and ingest its output",
		Long: `Launches blktrace on the given devices and decodes its stream in-process.

Examples:
  iowatcher fork -d /dev/nvme0n1 --output text
  iowatcher fork -d /dev/sda -d /dev/sdb --filter 'write && bytes >= 65536'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, cleanup, err := setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			in, err := rt.ingester()
			if err != nil {
				return err
			}

			proc, err := cf.start(rt)
			if err != nil {
				return err
			}
			defer closeCapture(proc, rt.logger)

			err = in.Run(ctx, proc)
			pipeline.Report(ctx, rt.recorder, rt.logger, "local ingest", err)
			if pipeline.ErrorKind(err) == pipeline.KindCanceled {
				return nil
			}
			return err
		},
	}
	cf.register(cmd)
	return cmd
}

func newIngestCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [path]",
		Short: "decode a recorded blktrace stream",
		Long: `Decodes a stream previously written by blktrace -o, or standard input
when the path is "-" or omitted.

Examples:
  iowatcher ingest trace.bin --output text
  blktrace -d /dev/sda -o - | iowatcher ingest --output otel`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) > 0 {
				path = args[0]
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, cleanup, err := setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			in, err := rt.ingester()
			if err != nil {
				return err
			}

			src, err := openInput(path)
			if err != nil {
				return err
			}
			defer src.Close() //nolint:errcheck // read-only

			err = in.Run(ctx, src)
			pipeline.Report(ctx, rt.recorder, rt.logger, "ingest", err)
			if pipeline.ErrorKind(err) == pipeline.KindCanceled {
				return nil
			}
			return err
		},
	}
}

func newConnectCmd(cfg *config.Config) *cobra.Command {
	var (
		cf         captureFlags
		input      string
		caFile     string
		certFile   string
		keyFile    string
		serverName string
	)

	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "relay a blktrace stream to a collector",
		Long: `Relays raw frames to a collector started with "iowatcher serve". Frames come
from a blktrace child process (--device) or from a recorded stream (--input).

Examples:
  iowatcher connect collector.internal:7475 -d /dev/nvme0n1 --ca ca.pem
  iowatcher connect 10.0.0.5:7475 --input trace.bin --trust insecure`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := args[0]
			if _, _, err := net.SplitHostPort(address); err != nil {
				return fmt.Errorf("invalid collector address %q: %w", address, err)
			}
			if input == "" && len(cf.devices) == 0 {
				return fmt.Errorf("either --device or --input is required")
			}

			trust, err := relay.ParseTrust(cfg.Trust)
			if err != nil {
				return err
			}

			creds := &relay.Credentials{
				Trust:        trust,
				ServerName:   serverName,
				SessionCache: tls.NewLRUClientSessionCache(4),
			}
			if trust == relay.TrustVerify {
				if creds.Authority, err = credentials.LoadAuthority(caFile); err != nil {
					return err
				}
			}
			if certFile != "" || keyFile != "" {
				cert, err := credentials.LoadKeyPair(certFile, keyFile)
				if err != nil {
					return err
				}
				creds.Certificates = []tls.Certificate{cert}
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, cleanup, err := setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			var src io.Reader
			if input != "" {
				f, err := openInput(input)
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck // read-only
				src = f
			} else {
				proc, err := cf.start(rt)
				if err != nil {
					return err
				}
				defer closeCapture(proc, rt.logger)
				src = proc
			}

			sess, err := relay.Connect(ctx, address, creds, rt.relayOptions())
			if err != nil {
				pipeline.Report(ctx, rt.recorder, rt.logger, "connect", err)
				return err
			}

			err = pipeline.Relay(ctx, src, sess, rt.recorder, rt.logger)
			pipeline.Report(ctx, rt.recorder, rt.logger, "relay", err)
			if pipeline.ErrorKind(err) == pipeline.KindCanceled {
				return nil
			}
			return err
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVar(&input, "input", "", `recorded trace to relay instead of running blktrace ("-" for stdin)`)
	cmd.Flags().StringVar(&caFile, "ca", "", "PEM bundle trusted for the collector certificate (default: system roots)")
	cmd.Flags().StringVar(&certFile, "cert", "", "client certificate for mutual TLS")
	cmd.Flags().StringVar(&keyFile, "key", "", "client private key for mutual TLS")
	cmd.Flags().StringVar(&serverName, "server-name", "", "name expected in the collector certificate (default: host part of the address)")
	return cmd
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	var (
		listen            string
		caFile            string
		certFile          string
		keyFile           string
		requireClientCert bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "collect relayed streams from producers",
		Long: `Accepts QUIC connections from "iowatcher connect" producers and ingests each
session concurrently until interrupted.

Examples:
  iowatcher serve --cert cert.pem --key key.pem --output text
  iowatcher serve --listen :7475 --cert cert.pem --key key.pem --ca ca.pem --require-client-cert`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cert, err := credentials.LoadKeyPair(certFile, keyFile)
			if err != nil {
				return err
			}
			creds := &relay.Credentials{
				Certificates:      []tls.Certificate{cert},
				RequireClientCert: requireClientCert,
			}
			if requireClientCert {
				if creds.Authority, err = credentials.LoadAuthority(caFile); err != nil {
					return err
				}
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, cleanup, err := setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			in, err := rt.ingester()
			if err != nil {
				return err
			}

			ln, err := relay.Listen(listen, creds, rt.relayOptions())
			if err != nil {
				return err
			}
			defer ln.Close() //nolint:errcheck // closed on exit

			rt.logger.Info("collector listening",
				zap.String("address", ln.Addr().String()),
				zap.Bool("early_data", cfg.EarlyData),
				zap.Bool("require_client_cert", requireClientCert))
			return pipeline.Serve(ctx, ln, in)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", defaultListen, "UDP address to accept QUIC connections on")
	cmd.Flags().StringVar(&certFile, "cert", "", "collector certificate chain (PEM)")
	cmd.Flags().StringVar(&keyFile, "key", "", "collector private key (PEM)")
	cmd.Flags().StringVar(&caFile, "ca", "", "PEM bundle trusted for producer certificates")
	cmd.Flags().BoolVar(&requireClientCert, "require-client-cert", false, "reject producers without a certificate signed by --ca")
	return cmd
}

func newCertsCmd() *cobra.Command {
	var (
		out      string
		hosts    []string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "generate a private CA and a certificate for testing",
		Long: `Writes ca.pem, cert.pem and key.pem to --out. The certificate is valid for
both collector and producer use, so one set serves a test deployment.

Examples:
  iowatcher certs --out ./pki --host collector.internal --host 10.0.0.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ca, err := credentials.NewAuthority("iowatcher CA", validity)
			if err != nil {
				return err
			}
			leaf, err := ca.Issue(validity, hosts...)
			if err != nil {
				return err
			}
			if err := ca.WriteFiles(out, leaf); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote ca.pem, cert.pem and key.pem to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", ".", "directory for the generated files")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS name or IP address for the certificate (repeatable)")
	cmd.Flags().DurationVar(&validity, "validity", defaultCertValidity, "certificate lifetime")
	return cmd
}
