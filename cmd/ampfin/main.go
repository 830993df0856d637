package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/Alexander-D-Karpov/ampfin/internal/app"
	"github.com/Alexander-D-Karpov/ampfin/internal/config"
	"github.com/Alexander-D-Karpov/ampfin/internal/events"
	"github.com/Alexander-D-Karpov/ampfin/internal/storage"
)

var (
	configPath       = flag.String("config", "", "Path to configuration file")
	debug            = flag.Bool("debug", false, "Enable debug mode - shows detailed logging for all components")
	syncMode         = flag.String("sync", "none", "Run one sync pass and exit: full, incremental or none")
	force            = flag.Bool("force", false, "Run a full sync even if the last one is still fresh")
	downloadPlaylist = flag.String("download-playlist", "", "Download every track of the playlist with this id and exit")
	status           = flag.Bool("status", false, "Print the sync status as JSON and exit")
	searchQuery      = flag.String("search", "", "Search the library and print the matches as JSON")
	logout           = flag.Bool("logout", false, "Remove all downloads and mirrored data and exit")
	Version          = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	if *debug {
		cfg.Debug = true
	}

	logger := newLogger(cfg)
	log := logger.WithField("component", "main")
	log.WithField("version", Version).Debug("Configuration loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		log.WithError(err).Fatal("Failed to create app")
	}
	defer a.Close()

	if err := run(ctx, a, log); err != nil {
		log.WithError(err).Error("Command failed")
		a.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, log *logrus.Entry) error {
	oneShot := *status || *logout || *searchQuery != "" || *downloadPlaylist != "" || *syncMode != "none"
	if !oneShot {
		a.Start(ctx)
		log.Info("Running, press Ctrl+C to stop")
		<-ctx.Done()
		return nil
	}

	if *logout {
		return a.Logout(ctx)
	}

	if *syncMode != "none" {
		unsub := a.Sync.OnProgress(func(p events.ProgressUpdate) {
			log.WithFields(logrus.Fields{"stage": p.Stage, "current": p.Current, "total": p.Total}).Info(p.Message)
		})
		defer unsub()

		var stats *storage.SyncStats
		var err error
		switch *syncMode {
		case "full":
			stats, err = a.Sync.FullSync(ctx, *force)
		case "incremental":
			stats, err = a.Sync.IncrementalSync(ctx)
		default:
			return fmt.Errorf("unknown sync mode %q", *syncMode)
		}
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"skipped":   stats.Skipped,
			"artists":   stats.Artists,
			"albums":    stats.Albums,
			"tracks":    stats.Tracks,
			"playlists": stats.Playlists,
		}).Info("Sync finished")
	}

	if *downloadPlaylist != "" {
		a.Detector.Refresh(ctx)
		result, err := a.Downloads.DownloadPlaylistByID(ctx, *downloadPlaylist, "")
		if result != nil {
			log.WithFields(logrus.Fields{
				"downloaded": result.Downloaded,
				"failed":     result.Failed,
				"skipped":    result.Skipped,
			}).Info("Playlist download finished")
		}
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			return errors.New("some tracks failed to download")
		}
	}

	if *searchQuery != "" {
		a.Detector.Refresh(ctx)
		results, err := a.Library.Search(ctx, *searchQuery, 10)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"query": *searchQuery, "matches": results.Total()}).Info("Search finished")
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	}

	if *status {
		s, err := a.Sync.GetSyncStatus(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	return logger
}
