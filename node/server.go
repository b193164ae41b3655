//go:build linux
// +build linux

package node

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fzft/go-mini-httpd/config"
	"github.com/fzft/go-mini-httpd/log"
	"github.com/fzft/go-mini-httpd/metrics"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Server struct {
	cfg    *config.Config
	shared *Shared

	port  int
	ready chan struct{}
}

// NewServer validates cfg and prepares shared state. provider may be nil, in
// which case metrics are discarded.
func NewServer(cfg *config.Config, provider metric.MeterProvider) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shared := NewShared(cfg)
	if provider != nil {
		m, err := metrics.New(provider, shared.LiveConns)
		if err != nil {
			return nil, err
		}
		shared.Metrics = m
	}

	return &Server{
		cfg:    cfg,
		shared: shared,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound and workers are running.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Port is the bound port. Valid after Ready.
func (s *Server) Port() int {
	return s.port
}

// LiveConns is the number of open client connections.
func (s *Server) LiveConns() int64 {
	return s.shared.LiveConns()
}

// Run serves until SIGINT, SIGTERM or ctx cancellation, then tears everything down.
func (s *Server) Run(ctx context.Context) error {
	lnFd, port, err := listen(s.cfg.Port)
	if err != nil {
		log.Logger.Error("listen error", zap.Int("port", s.cfg.Port), zap.Error(err))
		return err
	}
	s.port = port

	signals, err := NewSignalPipe()
	if err != nil {
		return multierr.Append(err, closeFd(lnFd))
	}

	pool, err := NewWorkerPool[*Conn](s.cfg.Workers, s.cfg.MaxRequests)
	if err != nil {
		return multierr.Combine(err, signals.Close(), closeFd(lnFd))
	}

	poll, err := NewPoll(s.shared, lnFd, signals, pool, PollOptions{
		MaxConns:  s.cfg.MaxConns,
		MaxEvents: s.cfg.MaxEvents,
		Tick:      s.cfg.Tick,
	})
	if err != nil {
		return multierr.Combine(err, signals.Close(), closeFd(lnFd))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fwdCtx, cancel := context.WithCancel(ctx)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		signals.Forward(fwdCtx, sigCh)
	}()

	pool.Start(ctx)

	log.Logger.Info("listening",
		zap.Int("port", port),
		zap.String("doc_root", s.cfg.DocRoot),
		zap.Int("workers", s.cfg.Workers))
	close(s.ready)

	runErr := poll.Run()

	cancel()
	<-forwarded
	pool.Stop()

	log.Logger.Info("shutting down server", zap.Int("open_conns", poll.Len()))
	return multierr.Append(runErr, poll.CloseGracefully())
}
