package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/diwise/odata-broker/internal/pkg/application/batch"
	"github.com/diwise/odata-broker/internal/pkg/application/broker"
	"github.com/diwise/odata-broker/internal/pkg/application/query"
	"github.com/diwise/odata-broker/internal/pkg/application/schema"
	"github.com/diwise/odata-broker/internal/pkg/application/storage"
	"github.com/diwise/odata-broker/internal/pkg/application/subscriptions"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/cache"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/docstore"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/locking"
	"github.com/diwise/odata-broker/internal/pkg/infrastructure/router"
	"github.com/diwise/odata-broker/internal/pkg/presentation/api/odata"
	"github.com/diwise/odata-broker/internal/pkg/presentation/api/odata/auth"
)

const serviceName string = "odata-broker"

func main() {
	ctx, flags := parseExternalConfig(context.Background(), FlagMap{})

	ctx, log, cleanup := o11y.Init(ctx, serviceName, buildinfo.SourceVersion(), flags[logFormat])
	defer cleanup()

	cfg := &AppConfig{
		brokerConfig: mustOpen(ctx, flags[configPath]),
		schemaFile:   mustOpen(ctx, flags[schemaPath]),
		opaConfig:    mustOpen(ctx, flags[opaPath]),
	}

	app, err := initialize(ctx, flags, cfg)
	if err != nil {
		log.Error("failed to initialize service", "err", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = app.Run(ctx); err != nil {
		log.Error("service failed", "err", err.Error())
		os.Exit(1)
	}
}

func mustOpen(ctx context.Context, path string) *os.File {
	f, err := os.Open(path)
	if err != nil {
		logging.GetFromContext(ctx).Error("failed to open file", "path", path, "err", err.Error())
		os.Exit(1)
	}
	return f
}

type listener struct {
	srv *http.Server
	l   net.Listener
}

type App struct {
	listeners []listener

	publicPort  string
	controlPort string

	closers []func() error
}

func initialize(ctx context.Context, flags FlagMap, cfg *AppConfig) (_ *App, err error) {
	log := logging.GetFromContext(ctx)

	defer cfg.brokerConfig.Close()
	defer cfg.schemaFile.Close()
	defer cfg.opaConfig.Close()

	app := &App{}
	defer func() {
		if err != nil {
			app.close(ctx)
		}
	}()

	brokerConfig, err := broker.LoadConfiguration(cfg.brokerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load broker configuration: %w", err)
	}

	sch, err := schema.Load(cfg.schemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}

	store, err := docstore.Open(ctx, brokerConfig.Store.Path, docstore.WithAnalyzedRoots(query.FieldStatic, query.FieldDynamic))
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	app.closers = append(app.closers, store.Close)

	accessors, err := storage.NewStoreAccessors(docstore.NewLimitedStore(store, brokerConfig.Store.RateLimit, brokerConfig.Store.Burst))
	if err != nil {
		return nil, err
	}

	locker, err := newLocker(ctx, brokerConfig.Locking)
	if err != nil {
		return nil, fmt.Errorf("failed to create locker: %w", err)
	}
	locks := locking.NewManager(locker, brokerConfig.Locking.Retries, brokerConfig.Locking.RetryInterval)
	app.closers = append(app.closers, locks.Close)

	translator := query.NewTranslator(query.Limits{
		DefaultTop:       brokerConfig.Query.DefaultTop,
		MaxTop:           brokerConfig.Query.MaxTop,
		MaxTopWithExpand: brokerConfig.Query.MaxTopWithExpand,
		MaxSkip:          brokerConfig.Query.MaxSkip,
		MinDateTime:      brokerConfig.Query.MinDateTime,
		MaxDateTime:      brokerConfig.Query.MaxDateTime,
	})

	options := []storage.Option{
		storage.WithConfig(storage.Config{
			MaxLinks:    brokerConfig.Storage.MaxLinks,
			MaxExpanded: brokerConfig.Storage.MaxExpanded,
			MinDateTime: brokerConfig.Query.MinDateTime,
			MaxDateTime: brokerConfig.Query.MaxDateTime,
		}),
		storage.WithCache(cache.NewLRU(brokerConfig.Storage.TypeCacheLen)),
	}

	if brokerConfig.Notifier.Endpoint != "" {
		notifier, err := subscriptions.NewNotifier(ctx, brokerConfig.Notifier.Endpoint, subscriptions.WithEntitySets(brokerConfig.Notifier.EntitySets...))
		if err != nil {
			return nil, err
		}
		if err = notifier.Start(); err != nil {
			return nil, err
		}
		app.closers = append(app.closers, notifier.Stop)
		options = append(options, storage.WithHooks(notifier))
	}

	engine := storage.New(sch, translator, accessors, locks, options...)

	authenticator, err := auth.NewAuthenticator(ctx, cfg.opaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	batches := batch.New(
		engine,
		authenticator,
		odata.NewSerializer(sch, flags[namespace]),
		batch.Config{
			MaxParts:      brokerConfig.Batch.MaxParts,
			Timeout:       brokerConfig.Batch.Timeout,
			YieldInterval: brokerConfig.Batch.YieldInterval,
			ReadOnly:      brokerConfig.Batch.ReadOnly,
		},
	)

	r := router.New(serviceName)
	odata.RegisterHandlers(ctx, r, nil, brokerConfig.Allows, batches)

	if flags[controlPort] == "" {
		registerControlHandlers(r)
	}

	if app.publicPort, err = app.listen(ctx, r, flags[listenAddress], flags[servicePort]); err != nil {
		return nil, err
	}

	if flags[controlPort] != "" {
		ctrl := chi.NewRouter()
		registerControlHandlers(ctrl)

		if app.controlPort, err = app.listen(ctx, ctrl, flags[listenAddress], flags[controlPort]); err != nil {
			return nil, err
		}
	}

	log.Info("service initialized", "port", app.publicPort, "control", app.controlPort, "cells", len(brokerConfig.Cells))

	return app, nil
}

func newLocker(ctx context.Context, cfg broker.LockingConfig) (locking.Locker, error) {
	switch cfg.Backend {
	case "", "local":
		return locking.NewLocalLocker(), nil
	case "etcd":
		return locking.NewEtcdLocker(ctx, cfg.Endpoints, cfg.TTL)
	case "postgres":
		return locking.NewPostgresLocker(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown locking backend %q", cfg.Backend)
	}
}

func registerControlHandlers(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())
}

// listen binds a listener up front so that a zero port resolves to the actual port
// before the service starts
func (app *App) listen(ctx context.Context, h http.Handler, address, port string) (string, error) {
	l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", net.JoinHostPort(address, port))
	if err != nil {
		return "", fmt.Errorf("failed to listen on port %s: %w", port, err)
	}

	app.closers = append(app.closers, func() error {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	app.listeners = append(app.listeners, listener{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		l: l,
	})

	_, actual, _ := net.SplitHostPort(l.Addr().String())
	return actual, nil
}

// Run serves requests until the context is cancelled, then shuts down gracefully
func (app *App) Run(ctx context.Context) error {
	log := logging.GetFromContext(ctx)

	g, ctx := errgroup.WithContext(ctx)

	for _, ln := range app.listeners {
		srv := ln.srv

		g.Go(func() error {
			err := srv.Serve(ln.l)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()

	log.Info("shutting down")
	app.close(ctx)

	return err
}

func (app *App) close(ctx context.Context) {
	log := logging.GetFromContext(ctx)

	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			log.Warn("failed to release resource", "err", err.Error())
		}
	}
	app.closers = nil
}
