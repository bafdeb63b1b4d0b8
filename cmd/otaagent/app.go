package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/otaagent/agent"
	"github.com/c360studio/otaagent/config"
	"github.com/c360studio/otaagent/download"
	"github.com/c360studio/otaagent/engine"
	"github.com/c360studio/otaagent/handler"
	"github.com/c360studio/otaagent/handler/shell"
	"github.com/c360studio/otaagent/metrics"
	"github.com/c360studio/otaagent/mqtt"
	"github.com/c360studio/otaagent/protocol"
	"github.com/c360studio/otaagent/rootkey"
	"github.com/c360studio/otaagent/workflow"
)

// App wires together the agent's components: root keys, handler
// registries, downloader, engine, MQTT channel, cloud operations, and
// the cooperative loop.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	rootKeys  *rootkey.Store
	registry  *handler.Registry
	plugins   *handler.DownloadHandlerRegistry
	channel   *mqtt.Channel
	client    *agent.Client
	engine    *engine.Engine
	loop      *agent.Loop
	watcher   *config.FileWatcher
}

// restartSignaler surfaces reboot/agent-restart requests. The agent
// never reboots the device itself; it records the request for the
// platform integration (systemd unit, device supervisor) to act on.
type restartSignaler struct {
	logger *slog.Logger
}

func (r *restartSignaler) RequestReboot(immediate bool) {
	r.logger.Warn("System reboot required", "immediate", immediate)
}

func (r *restartSignaler) RequestAgentRestart(immediate bool) {
	r.logger.Warn("Agent restart required", "immediate", immediate)
}

// NewApp assembles the application from configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	// Root keys: the local package seeds the trust anchors.
	app.rootKeys = rootkey.NewStore(cfg.Storage.RootKeyFile, logger)
	if err := app.rootKeys.LoadLocal(); err != nil {
		return nil, fmt.Errorf("load root keys: %w", err)
	}

	// Handler registries.
	app.registry = handler.NewRegistry(cfg.Handlers.Allowlist, logger)
	app.plugins = handler.NewDownloadHandlerRegistry(logger)
	for _, updateType := range cfg.Handlers.ShellTypes {
		sh := shell.NewHandler(logger)
		if cfg.Handlers.ShellTimeout != 0 {
			sh.Timeout = cfg.Handlers.ShellTimeout
		}
		if err := app.registry.Register(updateType, sh); err != nil {
			return nil, fmt.Errorf("register shell handler: %w", err)
		}
	}

	// Downloader shared by the engine and the root-key refresh.
	downloader := download.NewHTTPDownloader(cfg.Download.Timeout, cfg.Download.MaxAttempts, logger)

	// MQTT channel over a paho session.
	tlsConfig, err := brokerTLS(&cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("broker tls: %w", err)
	}
	session, err := mqtt.NewPahoSession(mqtt.SessionConfig{
		BrokerURL:            cfg.MQTT.BrokerURL,
		ClientID:             cfg.MQTT.ClientID,
		KeepAlive:            cfg.MQTT.KeepAlive,
		SessionExpirySeconds: cfg.MQTT.SessionExpirySeconds,
		ConnectTimeout:       cfg.MQTT.ConnectTimeout,
		TLS:                  tlsConfig,
	}, nil, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create mqtt session: %w", err)
	}
	app.channel = mqtt.NewChannel(session, logger)
	session.Rebind(app.channel.OnMessage, app.channel.OnConnectionLost)

	// Cloud client and operations.
	app.client = agent.NewClient(app.channel, cfg.Device.DeviceID, cfg.Device.Instance,
		cfg.Device.Compatibility, cfg.Retry, logger)

	// Workflow engine.
	snapshots := workflow.NewSnapshotStore(cfg.Storage.SnapshotFile)
	app.engine = engine.New(engine.Config{
		SandboxBase:      cfg.Storage.SandboxBase,
		MaxManifestDepth: cfg.Engine.MaxManifestDepth,
		CancelTimeout:    cfg.Engine.CancelTimeout,
	}, app.registry, app.plugins, downloader, app.rootKeys, snapshots,
		app.reportResult, &restartSignaler{logger: logger}, logger)

	app.client.Updates.SetDeploymentSink(app.onDeployment)

	// Root-key refresh.
	rootKeyOp := agent.NewRootKeyOp(app.rootKeys, downloader,
		cfg.RootKeys.PackageURL, cfg.Storage.StagingDir, cfg.RootKeys.RefreshInterval,
		cfg.Retry, logger)

	app.loop = agent.NewLoop(app.client, rootKeyOp, app.engine, cfg.Engine.TickInterval, logger)

	// Metrics.
	m := metrics.New(prometheus.DefaultRegisterer)
	app.client.SetMetrics(m)
	app.engine.SetMetrics(m)
	app.loop.SetMetrics(m)

	// Reload the trust anchors when provisioning replaces the local
	// root-key package out-of-band.
	watcher, err := config.NewFileWatcher(cfg.Storage.RootKeyFile, time.Second, func() {
		if err := app.rootKeys.LoadLocal(); err != nil {
			logger.Warn("Root-key reload failed", "error", err)
		}
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create root-key watcher: %w", err)
	}
	app.watcher = watcher

	return app, nil
}

// brokerTLS builds the tls.Config for tls:// brokers from the configured
// client certificate pair and optional CA override. Returns nil when
// nothing is configured so plain tcp:// brokers stay untouched.
func brokerTLS(cfg *config.MQTTConfig) (*tls.Config, error) {
	if cfg.CertFile == "" && cfg.CAFile == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Run resumes persisted work, then drives the loop until ctx cancels.
func (a *App) Run(ctx context.Context) error {
	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start root-key watcher: %w", err)
	}
	defer a.watcher.Stop()

	// Report any persisted final state before accepting new work.
	if err := a.engine.Resume(ctx); err != nil {
		a.logger.Warn("Snapshot resume failed", "error", err)
	}

	a.logger.Info("OTA agent starting",
		"device_id", a.cfg.Device.DeviceID,
		"broker", a.cfg.MQTT.BrokerURL,
		"handlers", a.registry.Types())

	err := a.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onDeployment feeds a pulled assignment into the engine on the loop
// goroutine.
func (a *App) onDeployment(d *protocol.Deployment) {
	a.engine.ProcessDeployment(context.Background(), d)
}

// reportResult forwards a terminal workflow report to the update-result
// operation.
func (a *App) reportResult(report *protocol.UpdateResultRequest) {
	a.client.Updates.Report(time.Now(), report)
}
