package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/glebovdev/streamradio/internal/cache"
	"github.com/glebovdev/streamradio/internal/config"
	"github.com/glebovdev/streamradio/internal/fetch"
	"github.com/glebovdev/streamradio/internal/finder"
	"github.com/glebovdev/streamradio/internal/hostcheck"
	"github.com/glebovdev/streamradio/internal/probe"
	"github.com/glebovdev/streamradio/internal/service"
	"github.com/glebovdev/streamradio/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	versionFlag = flag.Bool("version", false, "Show version information")
	debugFlag   = flag.Bool("debug", false, "Enable debug logging")
	listFlag    = flag.Bool("list", false, "List saved stations")
	probeFlag   = flag.Bool("probe", false, "Probe every saved station and save what was learned")
	addFlag     = flag.String("add", "", "Add a station from a playlist, stream or home page `url`")
	removeFlag  = flag.String("remove", "", "Remove the station called `name`")
	renameFlag  = flag.String("rename", "", "Rename the station called `name`, see -to")
	toFlag      = flag.String("to", "", "New `name` for -rename")
	searchFlag  = flag.String("search", "", "Search the station directory for `query`")
	byFlag      = flag.String("by", "Name", "Search `capability`, e.g. Name, Genre, Tag, Country code")
	finderFlag  = flag.String("finder", "", "Station directory to search, overrides the config")
	playFlag    = flag.String("play", "", "Play the station called `name`")
	randomFlag  = flag.Bool("random", false, "Play a random station")
	metricsFlag = flag.String("metrics", "", "Serve /metrics and /status on `addr` while playing")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - %s\n\n", config.AppName, config.AppVersion, config.AppDescription)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()

		configPath, err := config.GetConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "\nConfig file will be created on first use.\n")
			}
		}
	}
}

func setupLogging(debug bool) {
	if !debug {
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		return
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	cacheDir, err := cache.GetCacheDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
		cacheDir = os.TempDir()
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
	}
	logPath := filepath.Join(cacheDir, "debug.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
		logFile = os.Stderr
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
	fmt.Printf("Debug log: %s\n", logPath)
	log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		fmt.Println(config.AppDescription)
		os.Exit(0)
	}

	setupLogging(*debugFlag)

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.DefaultConfig()
	}
	if *metricsFlag != "" {
		cfg.MetricsAddr = *metricsFlag
	}
	if *finderFlag != "" {
		cfg.Finder = *finderFlag
	}

	if *debugFlag {
		if configPath, err := config.GetConfigPath(); err == nil {
			log.Debug().Msgf("Config: %s", configPath)
		}
		if cacheDir, err := cache.GetCacheDir(); err == nil {
			log.Debug().Msgf("Cache: %s", cacheDir)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, cleaning up...")
		cancel()
	}()

	app, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	err = app.run(ctx)
	app.close()
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msgf("%s stopped", config.AppName)
}

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	fetcher *fetch.Fetcher
	checker *hostcheck.Checker
	prober  *probe.Prober
	service *service.StationService
	events  *events
}

func newApp(cfg *config.Config) (*app, error) {
	fetcher := fetch.New(config.UserAgent(), cfg.HTTPTimeout)
	checker := hostcheck.New(cfg.ProbeTimeout)

	var logos probe.LogoLoader
	if c, err := cache.NewCache(fetcher); err != nil {
		log.Warn().Err(err).Msg("Logo cache unavailable")
	} else {
		if err := c.CleanExpired(); err != nil {
			log.Debug().Err(err).Msg("Failed to clean logo cache")
		}
		logos = c
	}

	prober := probe.New(fetcher, checker, logos, probe.Options{
		Timeout:           cfg.ProbeTimeout,
		SizeLimit:         cfg.ProbeSizeLimit,
		PlaylistSizeLimit: cfg.PlaylistSizeLimit,
	})

	dir, err := cfg.GetStationsDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate stations directory: %w", err)
	}
	db, err := store.NewOS(dir)
	if err != nil {
		return nil, err
	}

	ev := newEvents(os.Stdout)
	svc, err := service.NewStationService(db, prober, ev.queue, service.Options{
		Workers: cfg.ProbeWorkers,
		Rate:    cfg.ProbeRate,
	})
	if err != nil {
		ev.close()
		return nil, err
	}

	if p, err := finder.New(cfg.Finder); err != nil {
		log.Warn().Err(err).Strs("available", finder.Names()).Msg("Station finder disabled")
	} else {
		svc.SetFinder(p)
	}

	if err := svc.Load(); err != nil {
		log.Warn().Err(err).Msg("Failed to load stations")
	}

	return &app{
		cfg:     cfg,
		fetcher: fetcher,
		checker: checker,
		prober:  prober,
		service: svc,
		events:  ev,
	}, nil
}

func (a *app) close() {
	if err := a.service.SaveUnsaved(); err != nil {
		log.Error().Err(err).Msg("Failed to save stations")
	}
	a.service.Close()
	a.events.close()
}
