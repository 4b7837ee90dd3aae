package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kovalto/dbbus"
	"github.com/kovalto/dbbus/store/sqlite"
)

func main() {
	killSignal := make(chan os.Signal, 1)
	signal.Notify(killSignal, syscall.SIGINT, syscall.SIGTERM)

	cfg, err := dbbus.NewConfig()
	if err != nil {
		panic(fmt.Errorf("could not load config: %w", err))
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		logger.Fatal("could not open store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	backoff, err := dbbus.NewConstantBackoff(cfg.RetryDelay)
	if err != nil {
		logger.Fatal("invalid retry delay", zap.Error(err))
	}

	dispatcher := dbbus.NewDispatcher(store, logger,
		dbbus.WithMaxRetries(cfg.MaxRetries),
		dbbus.WithBackoff(backoff),
	)

	manager := dbbus.NewConsumerManager(cfg, dispatcher, logger,
		dbbus.NewLoggingMiddleware(logger),
	)

	runner := dbbus.NewRunner(manager, cfg.GroupID, logger)
	if err := runner.Start(ctx); err != nil {
		logger.Fatal("could not start background consumers", zap.Error(err))
	}

	<-killSignal
	logger.Info("killSignal received, shutting down application")

	cancel()

	if err := runner.Shutdown(); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
	}

	logger.Info("stopped all")
}

func newLogger() *zap.Logger {
	zcfg := zap.NewProductionConfig()
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zcfg.EncoderConfig),
		zapcore.AddSync(os.Stdout),
		zapcore.InfoLevel,
	)

	return zap.New(core, zap.AddCaller())
}
