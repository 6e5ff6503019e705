package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	offline "github.com/hireflux/offline-engine"
	"github.com/hireflux/offline-engine/cache"
	"github.com/hireflux/offline-engine/manifest"
	"github.com/hireflux/offline-engine/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	providerFlag       string
	dbFilenameFlag     string
	queueFilenameFlag  string
	manifestFlag       string
	pushEndpointFlag   string
	probeIntervalFlag  time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Optional yaml config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache provider: sqlite, leveldb or memory")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&queueFilenameFlag, "queue-db", "queue.db", "Action queue DB file name")
	flag.StringVar(&manifestFlag, "manifest", "", "App manifest file to validate and serve")
	flag.StringVar(&pushEndpointFlag, "push-endpoint", "", "Base URL of the push subscription server")
	flag.DurationVar(&probeIntervalFlag, "probe-interval", 30*time.Second, "Origin connectivity probe interval")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config fileConfig
	if configFlag != "" {
		var err error
		if config, err = getConfig(configFlag); err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
	}
	if config.Origin == "" {
		config.Origin = originFlag
	}
	if config.Port == 0 {
		config.Port = portFlag
	}
	if config.Provider == "" {
		config.Provider = providerFlag
	}
	if config.DBFile == "" {
		config.DBFile = dbFilenameFlag
	}
	if config.QueueFile == "" {
		config.QueueFile = queueFilenameFlag
	}
	if config.ManifestFile == "" {
		config.ManifestFile = manifestFlag
	}
	if config.PushEndpoint == "" {
		config.PushEndpoint = pushEndpointFlag
	}
	if config.Version == "" {
		config.Version = version
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	provider, err := newProvider(config.Provider, config.DBFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open cache provider")
	}

	store, err := queue.NewStore(config.QueueFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open action queue store")
	}

	// the manifest is validated up front so a broken one fails the
	// deploy instead of the install
	var manifestBytes []byte
	if config.ManifestFile != "" {
		manifestBytes, err = os.ReadFile(config.ManifestFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read manifest file")
		}
		if _, err := manifest.Parse(manifestBytes); err != nil {
			log.Fatal().Err(err).Msg("Manifest is invalid")
		}
	}

	ec := offline.NewEngineContext(offline.ContextConfig{
		Logger:           &log.Logger,
		Cache:            provider,
		QueueStore:       store,
		OriginURL:        *originURL,
		Version:          config.Version,
		Buckets:          config.buckets(),
		IdentityPatterns: config.IdentityPatterns,
		PushEndpoint:     config.PushEndpoint,
	})
	defer ec.Close()

	ctx := context.Background()
	if _, err := ec.Register(ctx); err != nil {
		log.Fatal().Err(err).Msg("Cannot register worker")
	}
	go ec.Connectivity.Probe(ctx, originURL.String(), probeIntervalFlag)

	router := chi.NewRouter()
	router.Get("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		report, err := ec.Diagnostics()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})
	if manifestBytes != nil {
		router.Get("/manifest.webmanifest", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/manifest+json")
			w.Write(manifestBytes)
		})
	}
	router.Handle("/*", ec.Lifecycle)

	log.Info().Msgf("Proxying port %v to %s", config.Port, originURL.String())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), router); err != nil {
		panic(err)
	}
}

func newProvider(name, filename string) (cache.Provider, error) {
	switch name {
	case "sqlite":
		if filename == "memory" {
			filename = "file::memory:?cache=shared"
		}
		return cache.NewSQLiteCache(filename)
	case "leveldb":
		if filename == "memory" {
			filename = ""
		}
		return cache.NewLevelDBCache(filename)
	case "memory":
		return cache.NewMemCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", name)
	}
}
