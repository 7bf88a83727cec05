// Package app assembles the service: configuration, the fan-out broker,
// the websocket endpoint, the HTTP query surface and the optional
// cross-instance bus.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/colloquyhq/colloquy-live/broker"
	"github.com/colloquyhq/colloquy-live/bus"
	"github.com/colloquyhq/colloquy-live/ws"
)

type App struct {
	config  *Config
	context context.Context
	logger  *slog.Logger
	broker  *broker.Broker
	bus     *bus.Bus
	server  *http.Server

	cleanupFuncs []func(context.Context)
	wg           sync.WaitGroup
}

func New(ctx context.Context, config *Config) (*App, error) {
	app := &App{}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	app.broker = broker.New(
		broker.WithLogger(app.logger),
		broker.WithHeartbeatInterval(config.Broker.HeartbeatInterval),
		broker.WithTypingTimeout(config.Broker.TypingTimeout),
		broker.WithSweepInterval(config.Broker.SweepInterval),
	)
	app.AddCleanupFunc(func(ctx context.Context) {
		app.broker.Close()
	})

	if config.Redis.Addr != "" {
		b, err := bus.New(ctx, config.Redis.Addr, config.Redis.DB, app.logger)
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		app.bus = b
		app.AddCleanupFunc(func(ctx context.Context) {
			app.bus.Close()
		})

		// relay client chat frames out, and remote instances' events in
		app.broker.OnRelay(func(roomID string, e *broker.Event) {
			if err := app.bus.Publish(app.context, roomID, e); err != nil {
				app.logger.Warn("bus publish failed", slog.String("err", err.Error()))
			}
		})
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.bus.Subscribe(ctx, func(roomID string, e *broker.Event) {
				app.broker.Broadcast(roomID, e)
			})
		}()
	}

	authenticator := ws.NewJWTAuthenticator(config.Auth.Secret)
	wsHandler := ws.NewHandler(app.broker, authenticator, ws.WithLogger(app.logger))

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Use(JWTMiddleware(authenticator))
		r.Get("/rooms/{roomID}/presence", app.PresenceHandler)
		r.Post("/rooms/{roomID}/events", app.PublishEventHandler)
	})

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler: r,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})

	return app, nil
}

// publish fans an application event out locally and to the bus.
func (app *App) publish(ctx context.Context, roomID string, e *broker.Event) {
	app.broker.Broadcast(roomID, e)
	if app.bus == nil {
		return
	}
	if err := app.bus.Publish(ctx, roomID, e); err != nil {
		app.logger.Warn("bus publish failed", slog.String("err", err.Error()))
	}
}

// Run starts the broker loops and serves HTTP until the app context is
// cancelled, then runs the cleanup funcs in reverse registration order.
func (app *App) Run() error {
	app.broker.Start()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		<-app.context.Done()
		app.logger.Info("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
			app.cleanupFuncs[i](ctx)
		}
	}()

	app.logger.Info(fmt.Sprintf("listening on %s", app.server.Addr))
	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	app.wg.Wait()
	return nil
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}
