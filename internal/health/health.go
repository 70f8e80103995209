// Package health implements the /healthz and /readyz probes: liveness is
// unconditional, readiness requires a recent successful probe of both
// the Durable Queue Store and the GitHub API facade.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// maxProbeAge bounds how stale a successful probe may be before readyz
// starts reporting unready again, so a probe loop that has stopped
// ticking (e.g. the process is wedged) is caught even if the last probe
// it ran succeeded.
const maxProbeAge = 30 * time.Second

// Pinger is satisfied by dqs.Store and by a thin wrapper around the
// GitHub API facade.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober periodically checks a set of named dependencies and exposes
// aggregate readiness over HTTP.
type Prober struct {
	logger *zap.Logger
	probes map[string]Pinger

	lastOK map[string]*atomic.Int64 // unix nanos of last successful probe
}

func NewProber(probes map[string]Pinger) *Prober {
	lastOK := make(map[string]*atomic.Int64, len(probes))
	for name := range probes {
		lastOK[name] = &atomic.Int64{}
	}

	return &Prober{
		logger: zap.L().Named("health"),
		probes: probes,
		lastOK: lastOK,
	}
}

// Run ticks every interval until ctx is cancelled, probing every
// dependency and recording successes. It blocks; run it in a goroutine.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	p.probeAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for name, pinger := range p.probes {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pinger.Ping(probeCtx)
		cancel()

		if err != nil {
			p.logger.Warn("dependency probe failed", zap.String("automerge.dependency", name), zap.Error(err))
			continue
		}

		p.lastOK[name].Store(time.Now().UnixNano())
	}
}

// Ready reports whether every dependency has succeeded within
// maxProbeAge.
func (p *Prober) Ready() bool {
	now := time.Now()
	for _, last := range p.lastOK {
		lastOK := time.Unix(0, last.Load())
		if lastOK.IsZero() || now.Sub(lastOK) > maxProbeAge {
			return false
		}
	}
	return true
}

// HandleHealthz always reports 200 while the process is up.
func HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleReadyz reports 200 once every dependency has a recent successful
// probe, 503 otherwise.
func (p *Prober) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	if p.Ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}
