package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	offline "github.com/always-cache/offline"
	"github.com/always-cache/offline/cache"
	"github.com/always-cache/offline/internal/config"
	"github.com/always-cache/offline/internal/server"
	"github.com/always-cache/offline/pkg/clients"
	classifier "github.com/always-cache/offline/pkg/request-classifier"
	"github.com/always-cache/offline/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	providerFlag       string
	dbFilenameFlag     string
	storeFilenameFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "", "Bucket storage: sqlite, memory, badger or redis")
	flag.StringVar(&dbFilenameFlag, "db", "", "Bucket DB file or directory (use 'memory' for in-memory db)")
	flag.StringVar(&storeFilenameFlag, "store", "", "Record store DB file (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load configuration")
	}
	applyFlags(cfg)

	setupLogging(cfg)

	provider, err := newProvider(cfg.Cache)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open bucket storage")
	}
	defer provider.Close()
	registry := cache.NewRegistry(provider, &log.Logger)

	records := store.New(store.Config{Path: cfg.Store.Path, Logger: &log.Logger})
	defer records.Close()
	// storage is best effort: the worker runs without it
	if err := records.Initialize(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Running without local record storage")
	}

	originURL, err := origin(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Please specify origin")
	}
	fetcher := offline.NewOriginFetcher(offline.OriginConfig{
		URL:         *originURL,
		Host:        cfg.Origin.Host,
		Timeout:     cfg.Origin.Timeout,
		MaxFailures: cfg.Origin.MaxFailures,
		OpenTimeout: cfg.Origin.OpenTimeout,
		Logger:      &log.Logger,
	})

	var worker *offline.Worker
	hub := clients.NewHub(clients.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         &log.Logger,
		OnClick: func(ctx context.Context, click clients.Click) {
			worker.Dispatch(ctx, offline.Event{
				Kind:           offline.EventNotificationClick,
				NotificationID: click.NotificationID,
				Action:         click.Action,
			})
		},
	})
	defer hub.Close()

	rules := classifier.New(cfg.Worker.StaticExtensions, cfg.Worker.APIPrefixes)
	worker = offline.New(offline.Config{
		Registry:          registry,
		Fetcher:           fetcher,
		Classifier:        &rules,
		DevHosts:          cfg.Worker.DevHosts,
		OfflinePage:       cfg.Worker.OfflinePage,
		Precache:          cfg.Worker.Precache,
		RevalidateTimeout: cfg.Worker.RevalidateTimeout,
		Store:             records,
		Clients:           hub,
		AppName:           cfg.Worker.AppName,
		Logger:            &log.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Could not install worker generation")
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.NewRouter(server.Config{
			Worker:         worker,
			Store:          records,
			Clients:        hub,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			EventRate:      cfg.Server.EventRate,
			Logger:         &log.Logger,
		}),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down cleanly")
		}
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Server.Port, originURL.String(), cfg.Origin.Host)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	worker.Wait()
	log.Info().Msg("Stopped")
}

// applyFlags lets command line flags override the loaded configuration.
func applyFlags(cfg *config.Config) {
	if originFlag != "" {
		cfg.Origin.URL = originFlag
	} else if addrFlag != "" {
		cfg.Origin.URL = "https://" + addrFlag
	}
	if hostFlag != "" {
		cfg.Origin.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if providerFlag != "" {
		cfg.Cache.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		cfg.Cache.Path = dbFilenameFlag
	}
	if storeFilenameFlag != "" {
		cfg.Store.Path = storeFilenameFlag
	}
	if verbosityTraceFlag {
		cfg.Logging.Level = "trace"
	}
	if logFilenameFlag != "" {
		cfg.Logging.File = logFilenameFlag
	}
	if cfg.Cache.Path == "memory" {
		cfg.Cache.Path = ""
	}
	if cfg.Store.Path == "memory" {
		cfg.Store.Path = ""
	}
}

func setupLogging(cfg *config.Config) {
	logLevel, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logLevel = zerolog.DebugLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.Logging.File != "" {
		if logFileOutput, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

func newProvider(c config.CacheConfig) (cache.Provider, error) {
	switch c.Provider {
	case "memory":
		return cache.NewMemProvider(c.MemEntries), nil
	case "badger":
		return cache.NewBadgerProvider(c.Path)
	case "redis":
		p := cache.NewRedisProvider(c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err := p.Ping(context.Background()); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	default:
		return cache.NewSQLiteProvider(c.Path)
	}
}

func origin(c config.OriginConfig) (*url.URL, error) {
	if c.URL == "" {
		return nil, errors.New("no origin url")
	}
	return url.Parse(c.URL)
}
