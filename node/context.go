package node

import (
	"sync/atomic"
	"time"

	"github.com/fzft/go-mini-httpd/config"
	"github.com/fzft/go-mini-httpd/metrics"
)

// Shared holds what the reactor, the workers and every connection need to know
// about the process. Fields are fixed after construction except live, which
// only the reactor writes.
type Shared struct {
	DocRoot     string
	ReadBuffer  int
	WriteBuffer int
	IdleTimeout time.Duration
	Metrics     *metrics.Metrics

	live atomic.Int64
}

// NewShared starts with no-op metrics; the server swaps in real instruments.
func NewShared(cfg *config.Config) *Shared {
	return &Shared{
		DocRoot:     cfg.DocRoot,
		ReadBuffer:  cfg.ReadBuffer,
		WriteBuffer: cfg.WriteBuffer,
		IdleTimeout: cfg.IdleTimeout(),
		Metrics:     metrics.Noop(),
	}
}

// LiveConns is safe to call from any goroutine.
func (s *Shared) LiveConns() int64 {
	return s.live.Load()
}
