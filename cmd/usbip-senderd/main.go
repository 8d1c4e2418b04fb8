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
	"github.com/usbip-bridge/usbip-bridge/internal/deviceio"
	"github.com/usbip-bridge/usbip-bridge/internal/metrics"
	"github.com/usbip-bridge/usbip-bridge/internal/session"
	"github.com/usbip-bridge/usbip-bridge/internal/transport"
)

// Main is the principal function for the binary, wrapped only by `main`
// for convenience.
func Main() error {
	cfg, err := config.LoadSender(os.Args[1:])
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	m := metrics.New()

	ln, err := transport.Listen(cfg.Listen, logger)
	if err != nil {
		return err
	}

	enum := deviceio.NewHostEnumerator(logger)
	provider := session.NewEnumeratorProvider(enum)
	sender := session.NewSender(ln, provider, logger)

	var g run.Group
	{
		execute, interrupt := metrics.Serve(context.Background(), cfg.MetricsListen, m)
		g.Add(execute, interrupt)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "accepting receiver connections", "addr", ln.Addr().String())
			return sender.Serve(ctx)
		}, func(error) {
			cancel()
			_ = ln.Close()
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
