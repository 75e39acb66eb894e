package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/siiimooon/polar-osc/pkg/h10"
	"github.com/siiimooon/polar-osc/pkg/relay"
)

type options struct {
	maxAttempts     int
	retryBackoff    time.Duration
	retryMaxBackoff time.Duration
	scanTimeout     time.Duration
	metricsAddr     string
	logLevel        string
	logFormat       string
}

type config struct {
	deviceID string
	host     relay.Endpoint
	client   relay.Endpoint
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:     "polar-osc DEVICE_ID HOST_IP:HOST_PORT CLIENT_IP:CLIENT_PORT",
		Short:   "Forward heart rate from a Bluetooth LE sensor as OSC messages over UDP",
		Example: "  polar-osc AA:BB:CC:DD:EE:FF 127.0.0.1:9000 127.0.0.1:9001",
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			cmd.Flags().Visit(func(f *pflag.Flag) {
				log.WithField(f.Name, f.Value.String()).Debug("Flag set")
			})
			cfg, err := parseArgs(args)
			if err != nil {
				return err
			}
			// usage is only useful for argument errors
			cmd.SilenceUsage = true

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			adapter := h10.NewBluetoothAdapter(bluetooth.DefaultAdapter, opts.scanTimeout)
			return run(ctx, cfg, opts, adapter, log)
		},
	}

	root.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "give up after this many failed connection attempts (0 retries forever)")
	root.Flags().DurationVar(&opts.retryBackoff, "retry-backoff", 0, "initial pause between connection attempts (0 retries immediately)")
	root.Flags().DurationVar(&opts.retryMaxBackoff, "retry-max-backoff", 30*time.Second, "upper bound for the doubling retry pause")
	root.Flags().DurationVar(&opts.scanTimeout, "scan-timeout", 0, "abandon a scan for the device after this long (0 scans until found)")
	root.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address (disabled when empty)")
	root.Flags().StringVar(&opts.logLevel, "log-level", logrus.InfoLevel.String(), "log level (trace, debug, info, warn, error)")
	root.Flags().StringVar(&opts.logFormat, "log-format", "text", "log format (text or json)")

	return root
}

func parseArgs(args []string) (config, error) {
	host, err := relay.ParseEndpoint(args[1])
	if err != nil {
		return config{}, fmt.Errorf("host address: %w", err)
	}
	client, err := relay.ParseEndpoint(args[2])
	if err != nil {
		return config{}, fmt.Errorf("client address: %w", err)
	}
	return config{deviceID: args[0], host: host, client: client}, nil
}

func newLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.Out = os.Stdout
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	switch format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

// run relays heart rate from the sensor reached through adapter until the
// sensor goes away or ctx is cancelled. Running out of data, having no
// adapter and being stopped are clean exits; everything else is an error.
func run(ctx context.Context, cfg config, opts options, adapter h10.Adapter, log *logrus.Logger) error {
	registry := prometheus.NewRegistry()
	metrics := relay.NewMetrics(registry)

	emitter, err := relay.NewEmitter(cfg.host, cfg.client)
	if err != nil {
		log.WithError(err).Error("Could not bind socket")
		return err
	}
	defer emitter.Close()

	session := h10.NewSession(adapter, cfg.deviceID, h10.WithLogger(log))
	defer session.Close()

	if opts.metricsAddr != "" {
		srv, err := serveStatus(opts.metricsAddr, registry, session, log)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	log.WithFields(logrus.Fields{
		"device": cfg.deviceID,
		"from":   emitter.LocalAddr().String(),
		"to":     emitter.RemoteAddr().String(),
	}).Info("Starting heart rate relay")

	bridge := relay.NewBridge(session, emitter,
		relay.WithLogger(log),
		relay.WithMetrics(metrics),
		relay.WithRetryPolicy(relay.RetryPolicy{
			MaxAttempts:    opts.maxAttempts,
			InitialBackoff: opts.retryBackoff,
			MaxBackoff:     opts.retryMaxBackoff,
		}),
	)

	err = bridge.Run(ctx)
	switch {
	case errors.Is(err, h10.ErrNoAdapter):
		log.WithError(err).Info("No bluetooth adapter found")
		return nil
	case errors.Is(err, h10.ErrTransportClosed):
		log.WithError(err).Info("No more data")
		return nil
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("Stopped")
		return nil
	}
	log.WithError(err).Error("Heart rate relay failed")
	return err
}

func serveStatus(addr string, gatherer prometheus.Gatherer, session *h10.Session, log logrus.FieldLogger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           relay.NewStatusHandler(gatherer, session.DeviceID(), session.State),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Status server stopped")
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("Serving metrics")
	return srv, nil
}
