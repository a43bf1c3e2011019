package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/gpuctl/internal/config"
	"codeberg.org/mutker/gpuctl/internal/daemon"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"codeberg.org/mutker/gpuctl/internal/pid"
	"github.com/oklog/run"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(start())
}

func start() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	if err := logger.InitWithLevel(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	if cfg.Debug {
		logger.SetLogLevel(logger.DebugLevel)
	} else if cfg.Verbose {
		logger.SetLogLevel(logger.InfoLevel)
	}
	logger.Debug().Msg("Config loaded")

	if cfg.Dump {
		return dump(cfg)
	}

	pidFile := pid.New("")
	if err := pidFile.Write(); err != nil {
		logError(err, "Could not write pid file")
		return 1
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn().Err(err).Msg("Could not remove pid file")
		}
	}()

	d, err := daemon.New(cfg)
	if err != nil {
		logError(err, "Could not initialize daemon")
		return 1
	}
	defer func() {
		if err := d.Close(); err != nil {
			logError(err, "Could not release resources")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.ApplyAll(ctx)

	var g run.Group
	{
		sigs := make(chan os.Signal, 1)
		g.Add(func() error {
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigs:
				logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			signal.Stop(sigs)
			cancel()
		})
	}
	{
		g.Add(func() error {
			return d.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil {
		logError(err, "Stats loop failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	d.Shutdown(shutdownCtx)

	logger.Info().Msg("Exiting...")
	return 0
}

// dump prints a YAML snapshot of every GPU without changing any settings.
func dump(cfg *config.Config) int {
	d, err := daemon.New(cfg)
	if err != nil {
		logError(err, "Could not initialize daemon")
		return 1
	}
	defer d.Close()

	if err := d.WriteSnapshot(context.Background(), os.Stdout); err != nil {
		logError(err, "Could not write snapshot")
		return 1
	}
	return 0
}

func logError(err error, msg string) {
	var appErr errors.Error
	if stderrors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
