package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"time"

	"github.com/loykin/loopr/internal/server"
	ltls "github.com/loykin/loopr/internal/tls"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the dashboard until ctx ends or a stop signal arrives.
// Schedules are separate processes and keep running afterwards.
func (c *command) Serve(ctx context.Context, g GlobalFlags, f ServeFlags) error {
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()

	listen := firstNonEmpty(f.Listen, s.cfg.Server.Listen)
	base := firstNonEmpty(f.BasePath, s.cfg.Server.BasePath)
	srv, err := server.NewServer(listen, base, s.svc)
	if err != nil {
		return err
	}
	if srv.TLSConfig, err = ltls.Setup(s.cfg.Server.TLS); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, stopSignals...)
	defer stop()

	if f.ReconcileEvery > 0 {
		go c.reconcileEvery(ctx, s, f.ReconcileEvery)
	}

	errCh := make(chan error, 1)
	scheme := "http"
	if srv.TLSConfig != nil {
		scheme = "https"
		go func() { errCh <- srv.ServeTLS(ln, "", "") }()
	} else {
		go func() { errCh <- srv.Serve(ln) }()
	}
	s.log.Info("dashboard listening", "url", scheme+"://"+ln.Addr().String()+base)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return err
	}
	s.log.Info("dashboard stopped")
	return nil
}

func (c *command) reconcileEvery(ctx context.Context, s *session, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if changed, err := s.svc.Reconcile(ctx); err != nil {
			s.log.Warn("reconcile failed", "error", err)
		} else if len(changed) > 0 {
			s.log.Info("reconciled stale schedules", "names", changed)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
