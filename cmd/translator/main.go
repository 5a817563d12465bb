package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autonomyowner/NASR-sub001/cmd/translator/call"
	"github.com/autonomyowner/NASR-sub001/cmd/translator/config"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 10 * time.Second
)

func slogReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		source := a.Value.Any().(*slog.Source)
		if source.File == "" {
			// Log from a dependency (e.g. room SDK).
			if pc, file, line, ok := runtime.Caller(7); ok {
				if f := runtime.FuncForPC(pc); f != nil {
					source.File = filepath.Base(filepath.Dir(file)) + "/" + filepath.Base(file)
					source.Line = line
				}
			}
		} else {
			source.File = filepath.Base(source.File)
		}
	}
	return a
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.LevelDebug,
		ReplaceAttr: slogReplaceAttr,
	}))
	slog.SetDefault(logger)

	pid := os.Getpid()
	if err := os.WriteFile("/tmp/translator.pid", []byte(fmt.Sprintf("%d", pid)), 0666); err != nil {
		slog.Error("failed to write pid file", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// A local .env is a convenience for development; the environment wins.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", slog.String("err", err.Error()))
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}
	cfg.SetDefaults()

	translator, err := call.NewTranslator(cfg)
	if err != nil {
		slog.Error("failed to create call translator", slog.String("err", err.Error()))
		os.Exit(1)
	}

	slog.Info("starting translator")

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := translator.Start(ctx); err != nil {
		slog.Error("failed to start translator", slog.String("err", err.Error()))
		os.Exit(1)
	}

	slog.Info("translator has started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-translator.Done():
		if err := translator.Err(); err != nil {
			slog.Error("translator failed", slog.String("err", err.Error()))
			os.Exit(2)
		}
	case s := <-sig:
		slog.Info("received signal, stopping translator", slog.String("signal", s.String()))

		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		if err := translator.Stop(stopCtx); err != nil {
			slog.Error("failed to stop translator", slog.String("err", err.Error()))
			os.Exit(2)
		}

		if s == syscall.SIGINT {
			slog.Info("translator has finished, exiting")
			os.Exit(130)
		}
	}

	slog.Info("translator has finished, exiting")
}
