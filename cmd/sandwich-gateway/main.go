package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	gateway "github.com/WelcomerTeam/Sandwich-Gateway"
	"github.com/WelcomerTeam/Sandwich-Gateway/messaging"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configurationPath := flag.String("config", "sandwich.yaml", "Path of the configuration file")
	envPath := flag.String("env", ".env", "Path of the environment file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configuration, err := gateway.NewConfigProviderFromPath(*configurationPath).GetConfig(ctx)
	if err != nil {
		panic(err)
	}

	logger := newLogger(configuration.Logging)

	if err := run(ctx, logger, configuration); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Gateway exited")
	}

	logger.Info().Msg("Gateway stopped")
}

func run(ctx context.Context, logger zerolog.Logger, configuration *gateway.Configuration) error {
	options, err := configuration.ManagerOptions(ctx, logger, gateway.NewRESTClient(configuration.Token))
	if err != nil {
		return err
	}

	if configuration.Producer.Type != "" {
		client, err := messaging.NewClient(configuration.Producer.Type)
		if err != nil {
			return err
		}

		if err := client.Connect(ctx, configuration.ClientName(), configuration.Producer.Arguments); err != nil {
			return err
		}

		defer client.Close()

		producer := &gateway.ProducerHandler{
			Producer:   client,
			Channel:    configuration.Producer.Channel,
			Identifier: configuration.Producer.Identifier,
			Blacklist:  configuration.Producer.Blacklist,
			ShardTotal: options.ShardTotal,
		}

		options.Handlers = producer.Wrap(options.Handlers)
	}

	manager, err := gateway.NewManager(options)
	if err != nil {
		return err
	}

	defer manager.Close()

	if configuration.Status.Host != "" {
		server := gateway.NewStatusServer(logger, manager)

		go func() {
			if err := server.ListenAndServe(configuration.Status.Host); err != nil {
				logger.Error().Err(err).Msg("Status server exited")
			}
		}()
	}

	return manager.Start(ctx)
}

func newLogger(configuration gateway.LoggingConfiguration) zerolog.Logger {
	level, err := zerolog.ParseLevel(configuration.Level)
	if err != nil || configuration.Level == "" {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{}

	if configuration.ConsoleLoggingEnabled {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp})
	} else {
		writers = append(writers, os.Stdout)
	}

	if configuration.FileLoggingEnabled {
		writers = append(writers, &lumberjack.Logger{
			Filename:   configuration.Filename,
			MaxSize:    configuration.MaxSize,
			MaxBackups: configuration.MaxBackups,
			MaxAge:     configuration.MaxAge,
			Compress:   configuration.Compress,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}
