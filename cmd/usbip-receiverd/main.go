package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"

	"github.com/usbip-bridge/usbip-bridge/internal/config"
	"github.com/usbip-bridge/usbip-bridge/internal/metrics"
	"github.com/usbip-bridge/usbip-bridge/internal/session"
)

// Main is the principal function for the binary, wrapped only by `main`
// for convenience.
func Main() error {
	cfg, err := config.LoadReceiver(os.Args[1:])
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	recv := session.NewReceiver(addr, logger, cfg.ReconnectInterval, cfg.HeartbeatInterval)

	if err := recv.Connect(); err != nil {
		return err
	}

	ctx, cancelRun := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- recv.Run(ctx) }()

	if cfg.List {
		devices, err := recv.ListDevices()
		cancelRun()
		if err != nil {
			return err
		}
		for _, d := range devices {
			fmt.Printf("%s: %04x:%04x\n", d.Info.BusIDString(), d.Info.IDVendor, d.Info.IDProduct)
		}
		return nil
	}

	if cfg.Import != "" {
		info, err := recv.Import(cfg.Import)
		if err != nil {
			cancelRun()
			return err
		}
		_ = level.Info(logger).Log("msg", "imported device", "bus_id", info.BusIDString(), "vendor", info.IDVendor, "product", info.IDProduct)
	}

	m := metrics.New()

	var g run.Group
	{
		execute, interrupt := metrics.Serve(context.Background(), cfg.MetricsListen, m)
		g.Add(execute, interrupt)
	}
	{
		g.Add(func() error {
			return <-runErr
		}, func(error) {
			cancelRun()
			_ = recv.Close()
		})
	}
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = level.Info(logger).Log("msg", "caught interrupt, shutting down")
				return nil
			case <-cancel:
				return nil
			}
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

func newLogger(l config.LogLevel) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch l {
	case config.LogLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case config.LogLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case config.LogLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case config.LogLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case config.LogLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
