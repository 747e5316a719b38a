package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/civiceye/civic-eye-api/internal/cache"
	"github.com/civiceye/civic-eye-api/internal/classifier"
	"github.com/civiceye/civic-eye-api/internal/config"
	"github.com/civiceye/civic-eye-api/internal/handlers"
	"github.com/civiceye/civic-eye-api/internal/logger"
	"github.com/civiceye/civic-eye-api/internal/middleware"
	"github.com/civiceye/civic-eye-api/internal/model"
	"github.com/civiceye/civic-eye-api/internal/preprocess"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Server.Mode); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Logger

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	loadOpts := cfg.LoadOptions()
	loadOpts.Logger = log

	log.Info("loading model", zap.String("path", loadOpts.ModelPath))
	loaded, err := model.Load(loadOpts)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	defer loaded.Close()

	norm, err := cfg.Normalization()
	if err != nil {
		return err
	}
	pre, err := preprocess.New(cfg.Model.ImageHeight, cfg.Model.ImageWidth, norm, cfg.Model.Interpolation)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	pre.MaxPixels = cfg.Model.MaxPixels

	labels, err := classifier.NewLabelTable(cfg.Labels)
	if err != nil {
		return err
	}

	opts := []classifier.Option{
		classifier.WithLogger(log),
		classifier.WithActivation(classifier.Activation(cfg.Model.OutputActivation)),
	}
	if cfg.Model.SerializeInference {
		opts = append(opts, classifier.WithSerializedInference())
	}

	if cfg.Redis.Enabled {
		redisCache := cache.NewRedisCache(cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		defer redisCache.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisCache.Ping(ctx)
		cancel()
		if err != nil {
			log.Warn("redis connection failed, prediction cache disabled", zap.Error(err))
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
			opts = append(opts, classifier.WithCache(redisCache))
		}
	}

	svc, err := classifier.New(loaded, labels, pre, opts...)
	if err != nil {
		return err
	}

	info := svc.Metadata()
	log.Info("classifier ready",
		zap.String("source", info.Source),
		zap.String("input_shape", info.InputShape),
		zap.Strings("classes", info.ClassNames),
		zap.String("normalization", info.Normalization))
	if !svc.LoadedOK() {
		log.Warn("running in degraded mode: predictions come from an untrained fallback network",
			zap.Strings("failures", info.LoadFailures))
	}

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS())
	handlers.NewHandler(svc, cfg.Server.MaxUploadSize, log).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
