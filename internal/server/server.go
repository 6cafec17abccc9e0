package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/gradolab/tagline/config"
	"github.com/gradolab/tagline/internal/cache"
	"github.com/gradolab/tagline/internal/pipeline"
	"github.com/gradolab/tagline/internal/provider"
	"github.com/gradolab/tagline/internal/search"
	"github.com/gradolab/tagline/internal/store"
)

// Run wires the full service and blocks serving HTTP.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = cfg.General.JWTSecret
	}
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret or general.jwt_secret)")
	}

	llm, err := provider.NewProvider(cfg.Providers.OpenAI)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	var hints *cache.LabelCache
	if cfg.Databases.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Databases.Redis.Addr(),
			Password: cfg.Databases.Redis.Password,
			DB:       cfg.Databases.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Databases.Redis.Addr(), err)
		}
		hints = cache.NewLabelCache(rdb, cfg.Pipeline.HintCacheTTL)
	}

	pipeLogger := log.New(log.Writer(), "[PIPE] ", log.LstdFlags)
	pipe := pipeline.New(cfg.Pipeline, st, llm, hints, pipeLogger)

	idx, err := search.NewLabelIndex(st)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	eh := &EventsHandler{Pipeline: pipe}
	eh.Register(api.Group("/events"), []byte(secret))
	th := &TagsHandler{Store: st, Pipeline: pipe, Index: idx}
	th.Register(api, []byte(secret))
	ah := &AbilitiesHandler{Store: st}
	ah.Register(api.Group("/abilities"), []byte(secret))
	oh := &OpsHandler{Pipeline: pipe}
	oh.Register(api.Group("/ops"), []byte(secret))

	sched := &Scheduler{
		Pipeline: pipe,
		Rdb:      rdb,
		Cron:     cfg.Pipeline.SweepCron,
		LockTTL:  cfg.Pipeline.LockTTL,
		Stop:     make(chan struct{}),
	}
	sched.Start()

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = cfg.General.Listen
		}
		if addr != "" && !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10010"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
