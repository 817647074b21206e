package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	netservice "github.com/devgianlu/go-netservice"
	"github.com/devgianlu/go-netservice/native"
	"github.com/devgianlu/go-netservice/service"
)

var errAlreadyRunning = errors.New("go-netservice is already running")

type App struct {
	cfg *Config
	log netservice.Logger

	layer native.Layer
	svc   *service.NetService

	server *ApiServer
}

func NewApp(cfg *Config, layer native.Layer) (app *App, err error) {
	app = &App{cfg: cfg, layer: layer}
	app.log = &LogrusAdapter{log.NewEntry(log.StandardLogger())}

	app.svc, err = service.NewNetService(layer, cfg.Descriptor(), &service.Options{Log: app.log})
	if err != nil {
		return nil, fmt.Errorf("failed creating service: %w", err)
	}

	return app, nil
}

func (app *App) register(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = app.cfg.RegisterTimeout()
	}

	start := time.Now()
	err := app.svc.Register(ctx, timeout)
	observeOperation("register", start, err)
	return err
}

func (app *App) unregister(ctx context.Context) error {
	start := time.Now()
	err := app.svc.Unregister(ctx)
	observeOperation("unregister", start, err)
	return err
}

func (app *App) status() *ApiResponseStatus {
	desc := app.svc.Descriptor()
	return &ApiResponseStatus{
		Backend:    app.cfg.Backend,
		Name:       app.svc.Name(),
		Type:       app.svc.Type(),
		Domain:     app.svc.Domain(),
		Port:       app.svc.Port(),
		Txt:        desc.Txt,
		State:      app.svc.State().String(),
		Registered: app.svc.Registered(),
	}
}

func (app *App) handleApiRequest(ctx context.Context, req ApiRequest) (any, error) {
	switch req.Type {
	case ApiRequestTypeStatus:
		return app.status(), nil
	case ApiRequestTypeRegister:
		data, ok := req.Data.(ApiRequestDataRegister)
		if !ok {
			return nil, ErrBadRequest
		}

		if err := app.register(ctx, msDuration(data.TimeoutMs)); err != nil {
			return nil, err
		}

		return app.status(), nil
	case ApiRequestTypeUnregister:
		if err := app.unregister(ctx); err != nil {
			return nil, err
		}

		return app.status(), nil
	default:
		return nil, ErrMethodNotAllowed
	}
}

// serveApiRequests answers every request on its own goroutine, register calls
// may block for the whole timeout.
func (app *App) serveApiRequests(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-app.server.Receive():
			go func() {
				req.Reply(app.handleApiRequest(ctx, req))
			}()
		}
	}
}

// watchRegistration follows the registration signal until ctx is done.
func (app *App) watchRegistration(ctx context.Context) error {
	ch, cancel := app.svc.Signal().Subscribe()
	defer cancel()

	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case registered := <-ch:
			observeRegistered(registered)

			// the first value is the state at subscription time
			if first {
				first = false
				continue
			}

			ev := &ApiEvent{Type: ApiEventTypeUnregistered, Data: ApiEventDataRegistration{Name: app.svc.Name()}}
			if registered {
				ev.Type = ApiEventTypeRegistered
			}

			log.Infof("registration changed: %s", ev.Type)
			if app.server != nil {
				app.server.Emit(ev)
			}
		}
	}
}

// autoRegister registers the service at startup, retrying timeouts until
// RetryMaxElapsed. A rejection is not retried.
func (app *App) autoRegister(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = app.cfg.RetryMaxElapsed()

	return backoff.RetryNotify(func() error {
		err := app.register(ctx, 0)
		if errors.Is(err, netservice.ErrRegistrationRejected) || errors.Is(err, netservice.ErrClosed) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.WithError(err).Warnf("failed registering service, retrying in %s", d)
	})
}

// shutdown withdraws the service before stopping the API server.
func (app *App) shutdown() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownTimeout())
	defer cancel()

	if uerr := app.unregister(ctx); uerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed unregistering service: %w", uerr))
	}

	if app.server != nil {
		err = multierr.Append(err, app.server.Close())
	}

	return err
}

func (app *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return app.shutdown()
	})
	g.Go(func() error {
		return app.watchRegistration(ctx)
	})

	if app.server != nil {
		g.Go(app.server.Serve)
		g.Go(func() error {
			return app.serveApiRequests(ctx)
		})
	}

	if app.cfg.AutoRegister {
		g.Go(func() error {
			if err := app.autoRegister(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("failed auto registering service: %w", err)
			}

			return nil
		})
	}

	return g.Wait()
}

func main() {
	var cfg Config
	if err := loadConfig(&cfg, os.Args[1:]); err != nil {
		log.WithError(err).Fatal("failed loading configuration")
	}

	if err := setupLogging(&cfg); err != nil {
		log.WithError(err).Fatalf("invalid log level: %s", cfg.LogLevel)
	}

	log.Info(netservice.SystemInfoString())

	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		log.WithError(err).Fatal("failed creating config directory")
	}

	lock := flock.New(filepath.Join(cfg.ConfigDir, "lockfile"))
	if locked, err := lock.TryLock(); err != nil {
		log.WithError(err).Fatal("failed acquiring lock")
	} else if !locked {
		log.WithError(errAlreadyRunning).Fatal("failed acquiring lock")
	}

	defer func() { _ = lock.Unlock() }()

	ifaces, err := cfg.NetInterfaces()
	if err != nil {
		log.WithError(err).Fatal("invalid interfaces")
	}

	layer, err := native.New(cfg.Backend, &LogrusAdapter{log.WithField("backend", cfg.Backend)}, ifaces)
	if err != nil {
		log.WithError(err).Fatal("failed creating native layer")
	}

	app, err := NewApp(&cfg, layer)
	if err != nil {
		_ = layer.Close()
		log.WithError(err).Fatal("failed creating app")
	}

	if cfg.Server.Enabled {
		app.server, err = NewApiServer(cfg.Server.Address, cfg.Server.Port, cfg.Server.AllowOrigin, cfg.Server.CertFile, cfg.Server.KeyFile)
		if err != nil {
			_ = layer.Close()
			log.WithError(err).Fatal("failed creating api server")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	runErr := app.Run(ctx)
	if err := multierr.Append(runErr, layer.Close()); err != nil {
		log.WithError(err).Error("daemon stopped with errors")
		return
	}

	log.Info("daemon stopped")
}
