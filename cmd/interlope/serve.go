package main

import (
	"context"
	"crypto/tls"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coder/serpent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pshima/interlope/internal/admin"
	"github.com/pshima/interlope/internal/config"
	"github.com/pshima/interlope/internal/logger"
	"github.com/pshima/interlope/pkg/certificates"
	"github.com/pshima/interlope/pkg/proxy"
)

func serveCmd() *serpent.Command {
	var (
		configFile string
		port       int64
		cliOpts    config.CLIOptions
	)
	cmd := &serpent.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted.",
		Handler: func(inv *serpent.Invocation) error {
			cliOpts.Port = int(port)
			cliOpts.VerboseSet = explicitlySet(inv, "verbose")
			cliOpts.HTTPSInterceptionSet = explicitlySet(inv, "intercept")

			cfg, err := config.Load(configFile, cliOpts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(inv.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, inv.Stdout)
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:          "config",
			FlagShorthand: "c",
			Env:           envPrefix + "CONFIG",
			Description:   "Path to a JSON or YAML configuration file.",
			Value:         serpent.StringOf(&configFile),
		},
		{
			Flag:          "port",
			FlagShorthand: "p",
			Env:           envPrefix + "PORT",
			Description:   "Port the proxy listens on.",
			Value:         serpent.Int64Of(&port),
		},
		{
			Flag:        "host",
			Env:         envPrefix + "HOST",
			Description: "Address the proxy binds to. Empty binds every interface.",
			Value:       serpent.StringOf(&cliOpts.Host),
		},
		{
			Flag:        "log-file",
			Env:         envPrefix + "LOG_FILE",
			Description: "Log file path, rotated by size.",
			Value:       serpent.StringOf(&cliOpts.LogFile),
		},
		{
			Flag:        "ca-cert",
			Env:         envPrefix + "CA_CERT",
			Description: "CA certificate used to sign intercepted hosts.",
			Value:       serpent.StringOf(&cliOpts.CACert),
		},
		{
			Flag:        "ca-key",
			Env:         envPrefix + "CA_KEY",
			Description: "Private key of the CA certificate.",
			Value:       serpent.StringOf(&cliOpts.CAKey),
		},
		{
			Flag:        "admin-addr",
			Env:         envPrefix + "ADMIN_ADDR",
			Description: "Address for the health, metrics and CA download endpoints.",
			Value:       serpent.StringOf(&cliOpts.AdminAddr),
		},
		{
			Flag:          "verbose",
			FlagShorthand: "v",
			Env:           envPrefix + "VERBOSE",
			Description:   "Log at debug level.",
			Value:         serpent.BoolOf(&cliOpts.Verbose),
		},
		{
			Flag:        "intercept",
			Env:         envPrefix + "INTERCEPT",
			Description: "Decrypt CONNECT tunnels instead of relaying them.",
			Value:       serpent.BoolOf(&cliOpts.HTTPSInterception),
		},
		{
			Flag:        "bypass",
			Env:         envPrefix + "BYPASS",
			Description: "Domain patterns whose tunnels are relayed without decryption.",
			Value:       serpent.StringArrayOf(&cliOpts.HTTPSBypassDomains),
		},
		{
			Flag:        "drain-timeout",
			Env:         envPrefix + "DRAIN_TIMEOUT",
			Description: "How long shutdown waits for in-flight exchanges before closing connections.",
			Value:       serpent.DurationOf(&cliOpts.DrainTimeout),
		},
	}
	return cmd
}

// run serves until ctx ends, then drains. Connections still open after the
// drain timeout are closed.
func run(ctx context.Context, cfg *config.Config, console io.Writer) error {
	log, err := logger.New(logger.Config{
		FilePath:   cfg.LogFile,
		Verbose:    cfg.Verbose,
		Format:     logger.Format(cfg.LogFormat),
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
		Console:    console,
	})
	if err != nil {
		return xerrors.Errorf("create logger: %w", err)
	}
	defer log.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := proxy.NewMetrics(reg)
	if err != nil {
		return err
	}

	transport, err := proxy.NewTransport(proxy.TransportOptions{
		InsecureSkipVerify:    cfg.UpstreamInsecureSkipVerify,
		ResponseHeaderTimeout: cfg.UpstreamTimeout.Duration,
		DisableHTTP2:          !cfg.HTTP2,
	})
	if err != nil {
		return err
	}

	opts := proxy.Options{
		Addr:      cfg.ListenAddr(),
		Transport: transport,
		Server:    cfg.ServerOptions(),
		Tunnel:    cfg.TunnelPolicy(),
		Logger:    log,
		Metrics:   metrics,
	}
	if cfg.UpstreamInsecureSkipVerify {
		opts.WebSocketTLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator choice
	}

	var caPEM []byte
	if cfg.HTTPSInterception {
		store, ca, err := certificateStore(cfg, log)
		if err != nil {
			return err
		}
		opts.Certificates = store
		caPEM = ca.CertificatePEM()
		log.Info("Interception CA loaded",
			"subject", ca.GetCACertificate().Subject.CommonName,
			"fingerprint", certificates.GetCertificateFingerprint(ca.GetCACertificate()))
	}

	p, err := proxy.New(opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	// The admin server outlives the drain so /healthz can report it.
	adminCtx, stopAdmin := context.WithCancel(context.WithoutCancel(gctx))
	defer stopAdmin()
	g.Go(func() error {
		defer stopAdmin()
		defer close(stopped)
		return p.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-stopped:
			return nil
		case <-gctx.Done():
		}
		if cfg.DrainTimeout.Duration <= 0 {
			return nil
		}
		t := time.NewTimer(cfg.DrainTimeout.Duration)
		defer t.Stop()
		select {
		case <-stopped:
		case <-t.C:
			log.Warn("Drain timeout exceeded, closing connections",
				"timeout", cfg.DrainTimeout.Duration,
				"active", len(p.ActiveSessions()),
				"code", "003")
			_ = p.Close()
		}
		return nil
	})
	if cfg.AdminAddr != "" {
		srv := admin.NewServer(cfg.AdminAddr, admin.Handler(admin.Options{
			Proxy:         p,
			Gatherer:      reg,
			CACertificate: caPEM,
			Logger:        log,
		}), log)
		g.Go(func() error { return srv.ListenAndServe(adminCtx) })
	}

	return g.Wait()
}

func certificateStore(cfg *config.Config, log logger.Logger) (*certificates.CertificateStore, *certificates.CAManager, error) {
	alg := certificates.KeyAlgorithm(cfg.KeyAlgorithm)
	certPath, keyPath := cfg.CAPaths()

	ca, err := certificates.LoadOrCreateCA(certPath, keyPath, cfg.AutoGenerateCA, alg, cfg.CertKeySize)
	if err != nil {
		log.Error("Failed to load CA", "cert", certPath, "error", err, "code", "001")
		return nil, nil, xerrors.Errorf("load CA: %w", err)
	}

	gen := certificates.NewCertificateGenerator(ca)
	if err := gen.SetKeyAlgorithm(alg); err != nil {
		return nil, nil, err
	}
	if alg == certificates.KeyAlgorithmRSA {
		if err := gen.SetKeySize(cfg.CertKeySize); err != nil {
			return nil, nil, err
		}
	}
	gen.SetValidityPeriod(cfg.CertValidityDays)
	gen.UseSharedKey(cfg.SharedLeafKey)

	var leafDir string
	if cfg.PersistLeaves {
		leafDir = filepath.Join(cfg.CertStoreDir, "leaves")
	}
	store := certificates.NewCertificateStore(leafDir, gen)
	store.OnDiskError = func(host string, err error) {
		log.Warn("Failed to persist certificate", "host", host, "error", err, "code", "002")
	}
	return store, ca, nil
}
