package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-restreamer/internal/orchestrator"
	"hls-restreamer/internal/pipeline"
	"hls-restreamer/internal/platform/config"
	"hls-restreamer/internal/platform/logger"
	"hls-restreamer/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:          "restreamer",
		Short:        "Restream a playlist of online videos as one continuous HLS stream",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, loadSettings(cmd.Flags()))
		},
	}

	f := cmd.Flags()
	f.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	f.String("port", "", "HTTP listen port (PORT)")
	f.String("playlist", "", "playlist URL, .yaml file or text file (PLAYLIST_SOURCE)")
	f.String("quality", "", "quality preset: 1080p, 720p, 480p or 360p (QUALITY)")
	f.String("output-dir", "", "HLS output directory (OUTPUT_DIR)")
	f.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	return cmd
}

func run(ctx context.Context, s settings) error {
	log := logger.New(s.LogLevel, s.LogFormat)

	if s.PlaylistSource == "" {
		log.Error("no playlist source configured")
		return errors.New("PLAYLIST_SOURCE or --playlist is required")
	}

	quality, ok := pipeline.LookupQuality(s.Quality)
	if !ok {
		log.Warn("unknown quality preset, using default",
			slog.String("quality", s.Quality),
			slog.String("default", pipeline.DefaultQuality),
			slog.Any("presets", pipeline.QualityNames()))
	}

	cookies := s.CookiesFile
	if cookies != "" {
		if _, err := os.Stat(cookies); err != nil {
			log.Warn("cookies file not found, continuing without it", slog.String("path", cookies))
			cookies = ""
		}
	}

	out, err := pipeline.NewOutputDir(s.OutputDir)
	if err != nil {
		return err
	}
	runner, err := pipeline.NewProcessRunner(pipeline.Config{
		Output:      out,
		Retrieval:   pipeline.Command{Path: s.RetrievalBin, Args: pipeline.RetrievalArgs(cookies, s.RetrievalArgs...)},
		Segmenter:   pipeline.Command{Path: s.SegmenterBin, Args: pipeline.SegmenterArgs(s.SegmenterArgs...)},
		Vars:        quality.Vars(),
		GracePeriod: s.GracePeriod,
		Logger:      logger.Component(log, "pipeline"),
	})
	if err != nil {
		return err
	}

	resolver := orchestrator.CommandResolver{Path: s.RetrievalBin, Args: pipeline.FlatPlaylistArgs(cookies)}
	playlist, err := loadPlaylist(ctx, log, s, resolver)
	if err != nil {
		return err
	}

	var store orchestrator.PositionStore = orchestrator.NewInMemoryStore()
	if s.StateFile != "" {
		store = orchestrator.NewFileStore(s.StateFile)
	}

	met := metrics.New()
	sup, err := orchestrator.NewSupervisor(runner, out, playlist, orchestrator.SupervisorConfig{
		MaxRetries:      s.MaxRetries,
		PollInterval:    s.PollInterval,
		StartupTimeout:  s.StartupTimeout,
		RetryDelay:      s.RetryDelay,
		RejectWhileBusy: s.RejectWhenBusy,
		Store:           store,
		Recorder:        met,
		Logger:          logger.Component(log, "supervisor"),
	})
	if err != nil {
		return err
	}

	watcher, err := pipeline.NewWatcher(out.Path(), logger.Component(log, "watcher"), sup.Notify)
	if err != nil {
		log.Warn("output watcher disabled, relying on polling", slog.String("error", err.Error()))
	} else {
		defer watcher.Close()
	}

	h := orchestrator.NewHandler(sup, out.Path(), logger.Component(log, "http"), met).WithCommandRate(s.CommandRate)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log, "/hls/", "/api/status", "/metrics"))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			st := sup.Status()
			met.SetCurrent(st.Video, st.Status == orchestrator.ReadinessReady)
		}).ServeHTTP(w, r)
	})
	h.Routes(r)
	if info, err := os.Stat(s.StaticDir); err == nil && info.IsDir() {
		r.Handle("/*", http.FileServer(http.Dir(s.StaticDir)))
	} else {
		log.Warn("static directory not found, player page disabled", slog.String("path", s.StaticDir))
	}

	addr := ":" + s.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	log.Info("server starting",
		slog.String("port", s.Port),
		slog.Int("entries", playlist.Len()),
		slog.String("quality", quality.Name),
		slog.String("output_dir", out.Path()),
		slog.String("log_level", s.LogLevel),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		log.Error("server error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
	return err
}

// loadPlaylist retries until the source yields at least one entry or ctx ends.
func loadPlaylist(ctx context.Context, log *slog.Logger, s settings, resolver orchestrator.Resolver) (*orchestrator.Playlist, error) {
	for {
		pl, err := orchestrator.LoadPlaylist(ctx, s.PlaylistSource, resolver)
		if err == nil {
			log.Info("playlist loaded", slog.String("source", s.PlaylistSource), slog.Int("entries", pl.Len()))
			return pl, nil
		}
		log.Error("playlist unavailable, retrying",
			slog.String("source", s.PlaylistSource),
			slog.Duration("retry_in", s.PlaylistRetry),
			slog.String("error", err.Error()))

		t := time.NewTimer(s.PlaylistRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
