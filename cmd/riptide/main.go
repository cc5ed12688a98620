package riptide

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/pkg/janitor"
	"github.com/riptide-dl/riptide/pkg/server"
	"github.com/riptide-dl/riptide/pkg/store"
	"github.com/riptide-dl/riptide/pkg/version"
	"github.com/riptide-dl/riptide/pkg/web"
)

func Start(ctx context.Context) error {

	if umaskStr := os.Getenv("UMASK"); umaskStr != "" {
		umask, err := strconv.ParseInt(umaskStr, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid UMASK value: %s", umaskStr)
		}
		SetUmask(int(umask))
	}

	restartCh := make(chan struct{}, 1)
	web.SetRestartFunc(func() {
		select {
		case restartCh <- struct{}{}:
		default:
		}
	})

	svcCtx, cancelSvc := context.WithCancel(ctx)
	defer cancelSvc()

	for {
		cfg := config.Get()
		_log := logger.Default()

		// ascii banner
		fmt.Printf(`
+-------------------------------------------------------+
|                                                       |
|  ╦═╗╦╔═╗╔╦╗╦╔╦╗╔═╗                                    |
|  ╠╦╝║╠═╝ ║ ║ ║║║╣  (%s)                 |
|  ╩╚═╩╩   ╩ ╩═╩╝╚═╝                                    |
|                                                       |
+-------------------------------------------------------+
|  Log Level: %s                                        |
+-------------------------------------------------------+
`, version.GetInfo(), cfg.LogLevel)

		// Initialize services
		ui := web.New().Routes()

		// Register routes
		handlers := map[string]http.Handler{
			"/": ui,
		}
		srv := server.New(handlers)

		done := make(chan struct{})
		go func(ctx context.Context) {
			if err := startServices(ctx, cancelSvc, srv); err != nil {
				_log.Error().Err(err).Msg("Error starting services")
				cancelSvc()
			}
			close(done)
		}(svcCtx)

		select {
		case <-ctx.Done():
			// graceful shutdown
			cancelSvc() // propagate to services
			<-done      // wait for them to finish
			return nil

		case <-restartCh:
			cancelSvc() // tell existing services to shut down
			_log.Info().Msg("Restarting Riptide...")
			<-done // wait for them to finish
			store.Reset()

			// rebuild svcCtx off the original parent
			svcCtx, cancelSvc = context.WithCancel(ctx)
			runtime.GC()

			config.Reload()
			// loop will restart services automatically
		}
	}
}

func startServices(ctx context.Context, cancelSvc context.CancelFunc, srv *server.Server) error {
	var wg sync.WaitGroup
	errChan := make(chan error)

	_log := logger.Default()

	safeGo := func(f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					_log.Error().
						Interface("panic", r).
						Str("stack", string(stack)).
						Msg("Recovered from panic in goroutine")

					// Send error to channel so the main goroutine is aware
					errChan <- fmt.Errorf("panic: %v", r)
				}
			}()

			if err := f(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- err
			}
		}()
	}

	_store := store.Get()

	safeGo(func() error {
		return srv.Start(ctx)
	})

	safeGo(func() error {
		return _store.Notifier().Run(ctx)
	})

	safeGo(func() error {
		return _store.Reconciler().Run(ctx, _store.Notifier().Events())
	})

	safeGo(func() error {
		return _store.Reconciler().Poll(ctx)
	})

	safeGo(func() error {
		return janitor.New(_store.DB(), _store.Files()).Start(ctx)
	})

	go func() {
		wg.Wait()
		close(errChan)
	}()

	go func() {
		for err := range errChan {
			if err != nil {
				_log.Error().Err(err).Msg("Service error detected")
				// If the error is critical, return it to stop the main loop
				if ctx.Err() == nil {
					_log.Error().Msg("Stopping services due to error")
					cancelSvc() // Cancel the service context to stop all services
				}
			}
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()
	_log.Debug().Msg("Services context cancelled")
	return nil
}
