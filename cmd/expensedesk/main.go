package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	slogmulti "github.com/samber/slog-multi"

	"github.com/bizops/expensedesk/internal/syncstore"
)

func main() {
	logger, closeLog := buildLogger()
	defer closeLog()
	slog.SetDefault(logger)

	dsn := strings.TrimSpace(os.Getenv("EXPENSEDESK_POSTGRES_DSN"))
	if dsn == "" {
		logger.Error("EXPENSEDESK_POSTGRES_DSN is required")
		os.Exit(1)
	}

	cache, err := buildCache(logger)
	if err != nil {
		logger.Error("failed to open local cache", "error", err)
		os.Exit(1)
	}

	remote, err := syncstore.NewPostgresRemote(dsn)
	if err != nil {
		logger.Error("failed to configure remote store", "error", err)
		os.Exit(1)
	}
	defer remote.Close()

	loadTimeout := durationEnv("EXPENSEDESK_LOAD_TIMEOUT", syncstore.DefaultLoadTimeout)
	writeTimeout := durationEnv("EXPENSEDESK_WRITE_TIMEOUT", syncstore.DefaultWriteTimeout)

	docs := syncstore.NewStore[syncstore.Document](remote.Documents(), cache, syncstore.StoreOptions{
		Name:         "documents",
		CacheKey:     func(syncstore.Filter) string { return syncstore.DocumentsCacheKey },
		LoadTimeout:  loadTimeout,
		WriteTimeout: writeTimeout,
		Logger:       logger,
	})
	tasks := syncstore.NewStore[syncstore.TaskItem](remote.Tasks(), cache, syncstore.StoreOptions{
		Name:         "tasks",
		CacheKey:     func(f syncstore.Filter) string { return syncstore.TasksCacheKey(f.Date) },
		LoadTimeout:  loadTimeout,
		WriteTimeout: writeTimeout,
		Logger:       logger,
	})
	comments := syncstore.NewStore[syncstore.Comment](remote.Comments(), cache, syncstore.StoreOptions{
		Name:         "task_comments",
		CacheKey:     func(f syncstore.Filter) string { return syncstore.CommentsCacheKey(f.Date) },
		LoadTimeout:  loadTimeout,
		WriteTimeout: writeTimeout,
		Logger:       logger,
	})
	users := syncstore.NewStore[syncstore.User](remote.Users(), cache, syncstore.StoreOptions{
		Name:         "users",
		CacheKey:     func(syncstore.Filter) string { return syncstore.UsersCacheKey },
		LoadTimeout:  loadTimeout,
		WriteTimeout: writeTimeout,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boardDate := todayIn(boardLocation(logger))
	taskFilter := syncstore.Filter{Date: boardDate}

	// Warm the cache so a network outage right after startup still has
	// something to serve.
	if _, err := docs.Load(ctx, syncstore.Filter{}); err != nil {
		logger.Warn("initial document load failed", "error", err)
	}
	if _, err := tasks.Load(ctx, taskFilter); err != nil {
		logger.Warn("initial task load failed", "error", err)
	}
	if _, err := comments.Load(ctx, taskFilter); err != nil {
		logger.Warn("initial comment load failed", "error", err)
	}
	if _, err := users.Load(ctx, syncstore.Filter{}); err != nil {
		logger.Warn("initial user load failed", "error", err)
	}

	feed, err := buildFeed(dsn, logger)
	if err != nil {
		logger.Warn("change feed not configured, running on manual refresh", "error", err)
	}

	bus := syncstore.NewBus()
	notifier := syncstore.NewNotifier(feed, bus, logger)
	notifier.Watch("documents", func(ctx context.Context) error {
		return docs.Reload(ctx, syncstore.Filter{})
	})
	notifier.Watch("tasks", func(ctx context.Context) error {
		return tasks.Reload(ctx, taskFilter)
	})
	notifier.Watch("task_comments", func(ctx context.Context) error {
		return comments.Reload(ctx, taskFilter)
	})
	notifier.Watch("users", func(ctx context.Context) error {
		return users.Reload(ctx, syncstore.Filter{})
	})
	notifier.Start(ctx)
	if notifier.Degraded() {
		logger.Warn("realtime propagation is off; clients must refresh manually")
	}

	watcher := buildCacheWatcher(cache, logger, func(key string) {
		switch {
		case key == syncstore.DocumentsCacheKey:
			docs.Invalidate(syncstore.Filter{})
			bus.Publish(syncstore.CollectionChanged{Table: "documents"})
		case key == syncstore.UsersCacheKey:
			users.Invalidate(syncstore.Filter{})
			bus.Publish(syncstore.CollectionChanged{Table: "users"})
		case strings.HasPrefix(key, syncstore.TasksCachePrefix):
			tasks.Invalidate(syncstore.Filter{Date: strings.TrimPrefix(key, syncstore.TasksCachePrefix)})
			bus.Publish(syncstore.CollectionChanged{Table: "tasks"})
		case strings.HasPrefix(key, syncstore.CommentsCachePrefix):
			comments.Invalidate(syncstore.Filter{Date: strings.TrimPrefix(key, syncstore.CommentsCachePrefix)})
			bus.Publish(syncstore.CollectionChanged{Table: "task_comments"})
		}
	})
	if watcher != nil {
		defer watcher.Close()
	}

	logger.Info("expensedesk running", "board_date", boardDate, "realtime", !notifier.Degraded())
	<-ctx.Done()
	logger.Info("shutting down")
}

func buildLogger() (*slog.Logger, func()) {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("EXPENSEDESK_LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	closeLog := func() {}
	if path := strings.TrimSpace(os.Getenv("EXPENSEDESK_LOG_FILE")); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
			closeLog = func() { _ = file.Close() }
		}
	}
	return slog.New(slogmulti.Fanout(handlers...)), closeLog
}

func buildCache(logger *slog.Logger) (syncstore.CacheBackend, error) {
	dir := strings.TrimSpace(os.Getenv("EXPENSEDESK_CACHE_DIR"))
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			logger.Warn("no cache directory available, cache is in-memory only", "error", err)
			return syncstore.NewMemoryCacheBackend(), nil
		}
		dir = base + "/expensedesk"
	}
	return syncstore.NewDirCacheBackend(dir)
}

func buildFeed(dsn string, logger *slog.Logger) (syncstore.FeedSource, error) {
	// Return an untyped nil on failure; a typed-nil feed inside the
	// interface would slip past the notifier's nil-source check.
	if url := strings.TrimSpace(os.Getenv("EXPENSEDESK_FEED_URL")); url != "" {
		feed, err := syncstore.NewWebsocketFeed(url, logger)
		if err != nil {
			return nil, err
		}
		return feed, nil
	}
	feed, err := syncstore.NewPostgresFeed(dsn, logger)
	if err != nil {
		return nil, err
	}
	return feed, nil
}

func buildCacheWatcher(cache syncstore.CacheBackend, logger *slog.Logger, onChange func(string)) *syncstore.CacheWatcher {
	dirCache, ok := cache.(*syncstore.DirCacheBackend)
	if !ok {
		return nil
	}
	watcher, err := syncstore.WatchCacheDir(dirCache.Dir(), logger, onChange)
	if err != nil {
		logger.Warn("cache watcher unavailable", "error", err)
		return nil
	}
	return watcher
}

func boardLocation(logger *slog.Logger) *time.Location {
	name := strings.TrimSpace(os.Getenv("EXPENSEDESK_TIMEZONE"))
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("bad EXPENSEDESK_TIMEZONE, using local time", "value", name, "error", err)
		return time.Local
	}
	return loc
}

func todayIn(loc *time.Location) string {
	return time.Now().In(loc).Format("2006-01-02")
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
