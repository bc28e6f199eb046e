// Command cacheproxy is a caching forward proxy for HTTP/1.0.
//
// Usage:
//
//	cacheproxy [flags] <port>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/cacheproxy/pkg/admin"
	"github.com/Sternrassler/cacheproxy/pkg/blocklist"
	"github.com/Sternrassler/cacheproxy/pkg/cache"
	"github.com/Sternrassler/cacheproxy/pkg/config"
	"github.com/Sternrassler/cacheproxy/pkg/header"
	"github.com/Sternrassler/cacheproxy/pkg/logging"
	"github.com/Sternrassler/cacheproxy/pkg/origin"
	"github.com/Sternrassler/cacheproxy/pkg/proxy"
)

// shutdownTimeout bounds how long in-flight requests may take to finish.
const shutdownTimeout = 10 * time.Second

// errUsage is returned for bad command lines; usage has already been printed.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "cacheproxy: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

// run parses the command line, starts the proxy and blocks until ctx is
// cancelled or a server fails.
func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) error {
	cfg, err := loadConfig(args, getenv, stderr)
	if err != nil {
		return err
	}

	lc := cfg.Logging()
	lc.Output = stderr
	_, logErr := logging.Setup(lc)
	defer logging.Close()

	logger := logging.NewLogger("main")
	if logErr != nil {
		logger.Warn().Err(logErr).Msg("Logging to file disabled")
	}

	store, closeStore, err := newBlocklist(ctx, cfg, logging.NewLogger("blocklist"))
	if err != nil {
		return err
	}
	defer closeStore()

	for _, host := range cfg.Blocked {
		if err := store.Block(ctx, host); err != nil {
			logger.Warn().Err(err).Str("host", host).Msg("Could not block configured host")
		}
	}

	lru := cache.NewLRU(cfg.MaxCacheSize, cfg.MaxObjectSize)
	proxyLogger := logging.NewLogger("proxy")

	handler, err := proxy.NewHandler(proxy.Config{
		Cache:         lru,
		Origin:        origin.NewClient(cfg.OriginTimeout, logging.NewLogger("origin")),
		Rewriter:      header.NewRewriter(cfg.UserAgent, cfg.MaxHeaderBytes),
		Blocklist:     store,
		Upstream:      cfg.Upstream,
		ClientTimeout: cfg.ClientTimeout,
		Logger:        proxyLogger,
	})
	if err != nil {
		return err
	}
	srv := proxy.NewServer(handler, cfg.MaxConns, proxyLogger)

	// Bind before reporting startup so a busy port fails fast.
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	errc := make(chan error, 2)
	go func() {
		// Not ctx: in-flight requests are drained by Shutdown below.
		errc <- srv.Serve(context.Background(), ln)
	}()

	adminCtx, cancelAdmin := context.WithCancel(ctx)
	defer cancelAdmin()
	if cfg.AdminAddr != "" {
		adm := admin.New(lru, store, logging.NewLogger("admin"))
		go func() {
			if err := adm.ListenAndServe(adminCtx, cfg.AdminAddr); err != nil {
				errc <- err
			}
		}()
	}

	logger.Info().
		Int("port", cfg.Port).
		Int64("max_cache_size", cfg.MaxCacheSize).
		Int64("max_object_size", cfg.MaxObjectSize).
		Str("upstream", cfg.Upstream).
		Str("admin_addr", cfg.AdminAddr).
		Msg("Caching proxy started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-errc:
		logger.Error().Err(runErr).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
	return runErr
}

// loadConfig builds the configuration from defaults, the optional config
// file, the environment and the command line, in increasing precedence.
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("cacheproxy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to YAML config file")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	pretty := fs.Bool("pretty", false, "Human-readable console logs")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: cacheproxy [flags] <port>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return config.Config{}, errUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return config.Config{}, errUsage
	}
	port, err := config.ParsePort(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "cacheproxy: %v\n", err)
		fs.Usage()
		return config.Config{}, errUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, err
	}

	cfg.Port = port
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *pretty {
		cfg.Log.Pretty = true
	}

	return cfg, cfg.Validate()
}

// newBlocklist returns the Redis-backed store when a Redis URL is
// configured and an in-memory store otherwise.
func newBlocklist(ctx context.Context, cfg config.Config, logger zerolog.Logger) (blocklist.Store, func(), error) {
	if cfg.RedisURL == "" {
		return blocklist.NewMemoryStore(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

	return blocklist.NewRedisStore(redisClient), func() { redisClient.Close() }, nil
}
