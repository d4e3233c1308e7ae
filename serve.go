package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/api"
	"github.com/semihalev/adns/changefeed"
	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/journal"
	"github.com/semihalev/adns/middleware"
	_ "github.com/semihalev/adns/middleware/accesslist"
	_ "github.com/semihalev/adns/middleware/accesslog"
	authmw "github.com/semihalev/adns/middleware/authority"
	_ "github.com/semihalev/adns/middleware/chaos"
	_ "github.com/semihalev/adns/middleware/edns"
	_ "github.com/semihalev/adns/middleware/metrics"
	_ "github.com/semihalev/adns/middleware/ratelimit"
	_ "github.com/semihalev/adns/middleware/recovery"
	"github.com/semihalev/adns/resolver"
	"github.com/semihalev/adns/server"
	"github.com/semihalev/adns/update"
	"github.com/semihalev/adns/zonefile"
)

func setupLogging(level string) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch level {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "warn":
		logger.SetLevel(zlog.LevelWarn)
	case "error":
		logger.SetLevel(zlog.LevelError)
	default:
		logger.SetLevel(zlog.LevelInfo)
	}

	zlog.SetDefault(logger)
}

// serve runs the server until ctx is done.
func serve(ctx context.Context, path string) error {
	cfg, err := config.Load(path, BuildVersion)
	if err != nil {
		return fmt.Errorf("config loading failed: %w", err)
	}

	setupLogging(cfg.LogLevel)

	zlog.Info("Starting adns...", "version", BuildVersion)

	if err := middleware.Setup(cfg); err != nil {
		return err
	}

	var j *journal.Journal
	if cfg.Journal != "" {
		if j, err = journal.Open(cfg.Journal); err != nil {
			return fmt.Errorf("journal open failed: %w", err)
		}
		defer j.Close()
	}

	var (
		feed  *changefeed.Feed
		hooks []update.Hook
	)
	if cfg.Redis.Addr != "" {
		feed = changefeed.New(changefeed.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		defer feed.Close()

		hooks = append(hooks, feed.Hook())
	}

	zs, err := buildZones(ctx, cfg, j, hooks...)
	if err != nil {
		return err
	}

	if cfg.Recursion {
		r := resolver.New(resolver.Config{
			RootServers: cfg.RootServers,
			Timeout:     cfg.Timeout.Duration,
			MaxDepth:    cfg.MaxDepth,
			CacheSize:   cfg.CacheSize,
		})
		r.SetRootServers(zs.hints)
		zs.catalog.SetRecursor(r)
	}

	am, ok := middleware.Get("authority").(*authmw.Authority)
	if !ok {
		return errors.New("authority middleware not registered")
	}
	am.SetCatalog(zs.catalog)

	var wg sync.WaitGroup

	if err := zs.start(ctx, &wg, feed); err != nil {
		return err
	}

	srv := server.New(cfg)
	srv.Run(ctx)
	defer srv.Stop()

	if err := api.New(cfg).Run(ctx); err != nil {
		zlog.Error("Start API server failed", "error", err.Error())
	}

	<-ctx.Done()

	zlog.Info("Stopping adns...")

	for !srv.Stopped() {
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	return nil
}

// start runs the background tasks of the zones: signature refresh, zone
// file watching and change feed notifications.
func (zs *zoneSet) start(ctx context.Context, wg *sync.WaitGroup, feed *changefeed.Feed) error {
	for _, p := range zs.primaries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	if len(zs.watched) > 0 {
		w, err := zonefile.NewWatcher()
		if err != nil {
			return err
		}

		for path, r := range zs.watched {
			if err := w.Add(path, r); err != nil {
				return err
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	if feed != nil && len(zs.secondaries) > 0 {
		events, err := feed.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("change feed subscribe failed: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			zs.follow(ctx, events)
		}()
	}

	return nil
}

// follow refreshes secondaries when another node announces a new serial.
func (zs *zoneSet) follow(ctx context.Context, events <-chan changefeed.Event) {
	for e := range events {
		for _, s := range zs.secondaries {
			if s.Origin() != e.Zone {
				continue
			}

			zlog.Debug("Zone change received", "zone", e.Zone, "serial", e.Serial, "node", e.Node)

			if err := s.Notify(ctx, e.Serial); err != nil {
				zlog.Warn("Secondary refresh failed", "zone", e.Zone, "serial", e.Serial, "error", err.Error())
			}
		}
	}
}
