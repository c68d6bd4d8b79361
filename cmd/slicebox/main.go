package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/slicebox/slicebox/internal/anonymization"
	"github.com/slicebox/slicebox/internal/api"
	"github.com/slicebox/slicebox/internal/box"
	"github.com/slicebox/slicebox/internal/config"
	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
	"github.com/slicebox/slicebox/internal/events"
	"github.com/slicebox/slicebox/internal/metadata"
	"github.com/slicebox/slicebox/internal/metrics"
	"github.com/slicebox/slicebox/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := run(*configPath); err != nil {
		log.WithError(err).Fatal("slicebox exited")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(context.Background()); err != nil {
		return err
	}

	fileStorage, err := storage.NewFileStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}

	var bus events.Bus
	switch cfg.Events.Backend {
	case "redis":
		bus, err = events.NewRedisBus(cfg.Events.RedisAddr)
		if err != nil {
			return err
		}
	default:
		bus = events.NewInProcessBus()
	}
	defer bus.Close()

	profile := dicom.ProfileByName(cfg.Anonymization.Profile)
	if profile == nil {
		return fmt.Errorf("unknown anonymization profile %q", cfg.Anonymization.Profile)
	}

	boxStore := db.NewBoxStore(database)
	outgoingStore := db.NewOutgoingStore(database)
	incomingStore := db.NewIncomingStore(database)
	keyStore := db.NewAnonymizationKeyStore(database)
	metaStore := db.NewMetadataStore(database)

	m := metrics.NewMetrics()
	metaSvc := metadata.NewDBService(metaStore, bus)
	keySvc := anonymization.NewKeyService(keyStore, cfg.Anonymization.PurgeEmptyKeys)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go keySvc.ListenForDeletes(rootCtx, bus)

	streamer := box.NewStreamer(fileStorage, keySvc, outgoingStore, profile, m)
	incomingSvc := box.NewIncomingService(incomingStore, keySvc, metaSvc, fileStorage, nil, m)
	pollSvc := box.NewPollService(boxStore, outgoingStore, streamer, m)
	boxSvc := box.NewService(boxStore, outgoingStore, incomingStore, bus, cfg.Server.BaseURL)

	supervisor := box.NewSupervisor(boxStore, outgoingStore, incomingStore, streamer, bus, m,
		cfg.Box.SupervisorInterval, cfg.Box.PollInterval, cfg.Box.Timeout)
	if err := supervisor.Start(rootCtx); err != nil {
		return err
	}
	defer supervisor.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(addr, boxStore, boxSvc, pollSvc, incomingSvc)

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
