// README: Process lifecycle; serves HTTP and runs the timeout monitor until the context ends.
package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/dig"

	"marketplace/internal/events"
	"marketplace/internal/logx"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/timeout"
	"marketplace/internal/transport/kafka"
)

const shutdownTimeout = 15 * time.Second

// MustRun starts the API using the provided DI container.
func MustRun(container *dig.Container) {
	if err := Run(container); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			log.Println("shutdown requested, exiting")
		case errors.Is(err, context.DeadlineExceeded):
			log.Println("startup aborted: startup timeout exceeded")
		default:
			log.Fatalf("run error: %v", err)
		}
	}
}

type runParams struct {
	dig.In

	Ctx      context.Context
	Server   *http.Server
	Sweeper  *timeout.Service
	Dispatch *dispatch.Service
	Bus      *events.Bus
	Payments *kafka.Consumer
	Res      *resources
	Log      logx.Logger
}

// Run blocks until the container's context is cancelled or the listener fails.
func Run(container *dig.Container) error {
	return container.Invoke(func(p runParams) error {
		return run(p)
	})
}

func run(p runParams) error {
	ln, err := net.Listen("tcp", p.Server.Addr)
	if err != nil {
		_ = p.Payments.Close()
		p.Res.Close(p.Log)
		return err
	}
	return serve(p, ln)
}

func serve(p runParams, ln net.Listener) error {
	ctx, cancel := context.WithCancel(p.Ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Sweeper.RunTimeoutMonitor(ctx)
	}()
	if p.Payments != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Payments.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.Log.Error("payments consumer stopped", logx.Err(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		p.Log.Info("marketplace api listening", logx.String("addr", ln.Addr().String()))
		if err := p.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		p.Log.Info("shutting down marketplace api")
	case runErr = <-serveErr:
		p.Log.Error("http server stopped", logx.Err(runErr))
	}
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shCancel()
	if err := p.Server.Shutdown(shCtx); err != nil {
		p.Log.Warn("graceful shutdown error", logx.Err(err))
	}
	wg.Wait()
	if err := p.Payments.Close(); err != nil {
		p.Log.Warn("payments consumer close failed", logx.Err(err))
	}
	p.Dispatch.Wait()
	p.Bus.Wait()
	p.Res.Close(p.Log)
	return runErr
}
