package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"
	"manualpilot/camrelay/impl"
	"manualpilot/camrelay/internal"
)

func doMain(logger *slog.Logger, cfg *internal.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger = logger.With(slog.String("instance", cfg.InstanceID))

	rOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(rOpts)
	if err := rdb.Info(ctx).Err(); err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer rdb.Close()

	router, err := internal.Main(logger, ctx, cfg, rdb)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", cfg.Port),
		Handler: router,
	}

	if cfg.UseTLS() {
		tlsConfig, err := impl.TLSConfig(cfg.ServiceDomain, cfg.PorkbunAPIKey, cfg.PorkbunAPISecret, rdb)
		if err != nil {
			return err
		}

		server.TLSConfig = tlsConfig
	}

	ec := make(chan error, 1)
	go func() {
		logger.Debug("starting...", slog.String("address", server.Addr))

		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ec <- err
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sc:
		logger.Warn("shutdown signal", slog.String("signal", sig.String()))
	case err := <-ec:
		logger.Error("failed to start http server", err)
		return err
	}

	// hijacked websockets are not tracked by Shutdown; cancelling ctx stops
	// the event subscription, the MQTT mirror and pending sidecar requests
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	return server.Shutdown(sctx)
}

func newLogger(cfg *internal.Config) *slog.Logger {
	level := slog.LevelDebug
	switch cfg.LogLevel {
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		})
	}

	handler := slog.HandlerOptions{AddSource: true, Level: level}
	return slog.New(handler.NewTextHandler(out))
}

func main() {
	handler := slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug}
	logger := slog.New(handler.NewTextHandler(os.Stdout))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("failed to read .env", err)
		os.Exit(1)
	}

	cfg, err := internal.LoadConfig(context.Background(), envconfig.OsLookuper())
	if err != nil {
		logger.Error("failed to load config", err)
		os.Exit(1)
	}

	logger = newLogger(cfg)

	if err := doMain(logger, cfg); err != nil {
		logger.Error("failed to start", err)
		os.Exit(1)
	}
}
