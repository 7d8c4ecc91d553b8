package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/capture"
	"github.com/entrhq/browseract/pkg/config"
	"github.com/entrhq/browseract/pkg/driver/cdp"
	"github.com/entrhq/browseract/pkg/driver/playwright"
	"github.com/entrhq/browseract/pkg/logging"
	"github.com/entrhq/browseract/pkg/metrics"
)

// shutdownTimeout bounds closing sessions and flushing spans on exit.
const shutdownTimeout = 15 * time.Second

// runtime is the wired core for one command.
type runtime struct {
	cfg      *config.Config
	log      *logging.Logger
	manager  *browser.SessionManager
	executor *browser.Executor
	runner   *capture.Runner
	hosts    *config.HostMatcher

	// collector is set for long-running commands only
	collector *metrics.Collector

	tracer *sdktrace.TracerProvider
}

// setup loads configuration and wires logging, the driver, the session
// manager and the executor. withMetrics attaches a Prometheus collector.
func (c *cli) setup(withMetrics bool) (*runtime, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(cfg.Logging); err != nil {
		return nil, err
	}
	log, err := logging.NewLogger("browseract")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", err)
	}

	hosts, err := cfg.HostMatcher()
	if err != nil {
		return nil, err
	}

	driver, err := c.newDriver(cfg, log)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: log, hosts: hosts}

	managerOpts := []browser.ManagerOption{
		browser.WithLogger(log.Zap()),
		browser.WithMaxSessions(cfg.Browser.MaxSessions),
	}
	executorOpts := []browser.ExecutorOption{
		browser.WithExecutorLogger(log.Zap()),
		browser.WithScriptPolicy(cfg.ScriptPolicy()),
		browser.WithDefaultTimeout(cfg.Timeouts.Action),
	}
	if withMetrics {
		rt.collector = metrics.New()
		managerOpts = append(managerOpts, browser.WithStatusObservers(rt.collector))
		executorOpts = append(executorOpts, browser.WithActionObservers(rt.collector))
	}
	if c.v.GetBool("trace") {
		tp, err := newTracerProvider()
		if err != nil {
			return nil, err
		}
		rt.tracer = tp
		executorOpts = append(executorOpts, browser.WithTracerProvider(tp))
	}

	rt.manager = browser.NewSessionManager(driver, managerOpts...)
	rt.executor = browser.NewExecutor(executorOpts...)
	rt.runner = capture.NewRunner(rt.manager, rt.executor, cfg.LaunchConfig(), capture.WithLogger(log.Zap()))

	log.Debugf("Configured %s driver, engine %s, headless=%t", cfg.Driver, cfg.Browser.Engine, cfg.Browser.Headless)
	return rt, nil
}

// Close shuts the session manager and its driver down, then flushes spans
// and logs.
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := rt.manager.Shutdown(ctx)
	if rt.tracer != nil {
		if terr := rt.tracer.Shutdown(ctx); terr != nil {
			err = errors.Join(err, fmt.Errorf("failed to flush traces: %w", terr))
		}
	}
	_ = rt.log.Close()
	logging.Shutdown()
	return err
}

// checkURL applies the navigation allowlist.
func (rt *runtime) checkURL(raw string) error {
	return rt.hosts.CheckURL(raw)
}

// driverFor builds the driver named by cfg.Driver.
func driverFor(cfg *config.Config, log *logging.Logger) (browser.Driver, error) {
	switch cfg.Driver {
	case config.DriverPlaywright, "":
		return playwright.New(playwright.Options{
			SkipInstall: cfg.Browser.SkipInstall,
			Browsers:    []string{string(cfg.LaunchConfig().Engine)},
		}, log.Zap()), nil
	case config.DriverCDP:
		return cdp.New(cdp.Options{
			ExecPath:  cfg.Browser.ExecPath,
			NoSandbox: cfg.Browser.NoSandbox,
		}, log.Zap()), nil
	default:
		return nil, fmt.Errorf("unknown driver: %s", cfg.Driver)
	}
}

func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", "browseract"),
		attribute.String("service.version", Version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}
