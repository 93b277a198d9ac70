package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	crust "github.com/WelcomerTeam/Crust"
	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configurationPath := flag.String("config", "crust.yaml", "Path of the configuration file")
	envPath := flag.String("env", ".env", "Path of an optional .env file")
	httpHost := flag.String("http", "", "Address to serve /metrics and /status on. Overrides the configuration")

	flag.Parse()

	// Used until the configured logger exists.
	bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}).With().Timestamp().Logger()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		bootstrap.Warn().Err(err).Str("path", *envPath).Msg("Failed to load env file")
	}

	configuration, err := crust.LoadConfiguration(*configurationPath)
	if err != nil {
		bootstrap.Fatal().Err(err).Str("path", *configurationPath).Msg("Failed to load configuration")
	}

	logger := setupLogger(bootstrap, configuration.Logging)

	client, err := crust.NewClient(logger, configuration)
	if err != nil {
		logger.Panic().Err(err).Msg("Cannot create crust")
	}

	host := configuration.HTTP.Host
	if *httpHost != "" {
		host = *httpHost
	}

	if host != "" {
		go serveHTTP(logger, client, host)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = client.Open(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot start crust")

		return
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = client.Close(shutdownCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("Exception whilst closing crust")
	}
}

func setupLogger(bootstrap zerolog.Logger, configuration crust.LoggingConfiguration) zerolog.Logger {
	level, err := zerolog.ParseLevel(configuration.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	var writers []io.Writer

	if configuration.ConsoleLoggingEnabled || !configuration.FileLoggingEnabled {
		if configuration.EncodeAsJSON {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.Stamp,
			})
		}
	}

	if configuration.FileLoggingEnabled {
		if err := os.MkdirAll(configuration.Directory, 0o744); err != nil {
			bootstrap.Warn().Err(err).Str("directory", configuration.Directory).Msg("Unable to create log directory")
		} else {
			writers = append(writers, &lumberjack.Logger{
				Filename:   path.Join(configuration.Directory, configuration.Filename),
				MaxBackups: configuration.MaxBackups,
				MaxSize:    configuration.MaxSize,
				MaxAge:     configuration.MaxAge,
				Compress:   configuration.Compress,
			})
		}
	}

	return zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
}

func serveHTTP(logger zerolog.Logger, client *crust.Client, host string) {
	r := router.New()

	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	r.GET("/status", func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")

		err := crustjson.MarshalToWriter(ctx, client.Status())
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		}
	})

	logger.Info().Str("host", host).Msg("Running HTTP server")

	err := fasthttp.ListenAndServe(host, r.Handler)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to serve HTTP server")
	}
}
