// Package poller drives the fixed-interval aggregation cycle: four
// concurrent fetches against the health sources, joined into one snapshot.
// A cycle is all-or-nothing; any failed or malformed source fails the whole
// cycle and leaves the previous snapshot untouched.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mqdash/internal/config"
	"mqdash/internal/models"
	"mqdash/internal/snapshot"
	"mqdash/internal/utils"
)

// Source payloads larger than this are treated as malformed.
const maxPayloadBytes = 4 << 20

// Publisher receives the outcome of every poll cycle. Implemented by the
// websocket hub; faked in tests.
type Publisher interface {
	PublishSnapshot(*models.Snapshot)
	PublishError(*models.FetchError)
}

// Sources names the four upstream endpoints one cycle must agree on.
type Sources struct {
	BrokerStatus string
	ClientStatus string
	SystemHealth string
	TCPCheck     string
}

// Poller runs the timer-driven aggregation loop. The zero value is not
// usable; construct with New.
type Poller struct {
	sources  Sources
	interval time.Duration
	timeout  time.Duration
	store    *snapshot.Store
	pub      Publisher
	client   *http.Client
	log      *utils.Logger
	inFlight atomic.Bool
}

func New(cfg *config.Config, store *snapshot.Store, pub Publisher, log *utils.Logger) *Poller {
	return &Poller{
		sources: Sources{
			BrokerStatus: cfg.BrokerStatusURL,
			ClientStatus: cfg.ClientStatusURL,
			SystemHealth: cfg.SystemHealthURL,
			TCPCheck:     cfg.TCPCheckURL,
		},
		interval: cfg.PollInterval(),
		timeout:  cfg.RequestTimeout(),
		store:    store,
		pub:      pub,
		// Transport-level timeout is handled per request via context;
		// the client itself carries no global deadline.
		client: &http.Client{},
		log:    log,
	}
}

// sourceError tags a fetch failure with the source it came from so the
// resulting FetchError can name the culprit.
type sourceError struct {
	source string
	err    error
}

func (e *sourceError) Error() string { return e.source + ": " + e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// Run polls once immediately, then on every interval tick until ctx is
// canceled. A tick that fires while a cycle is still in flight is skipped
// and logged; at most one cycle runs at any time.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logf("Poller started (interval %s, per-request timeout %s)", p.interval, p.timeout)
	p.startCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logf("Poller stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			p.startCycle(ctx)
		}
	}
}

// startCycle launches one poll cycle unless the previous one is still
// running. The in-flight flag is the overlap guard: a slow or hung source
// can never stack concurrent cycles.
func (p *Poller) startCycle(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logf("Poll cycle still in flight, skipping tick")
		return
	}
	go func() {
		defer p.inFlight.Store(false)
		if err := p.PollOnce(ctx); err != nil {
			p.logf("Poll cycle failed: %v", err)
		}
	}()
}

// PollOnce performs exactly one cycle: the four fetches run concurrently,
// each bounded by its own timeout, and the cycle succeeds only when all four
// have completed. On success the assembled snapshot replaces the store's
// current one and is published; on any failure the store keeps its previous
// snapshot and a single FetchError is recorded and published instead.
func (p *Poller) PollOnce(ctx context.Context) error {
	var (
		brokers map[string]json.RawMessage
		clients map[string]json.RawMessage
		system  json.RawMessage
		tcp     map[string]json.RawMessage
	)

	// A deliberate plain errgroup: a timed-out source must not cancel its
	// siblings, so each fetch carries only its own deadline.
	var g errgroup.Group
	g.Go(func() (err error) {
		brokers, err = p.fetchKeyed(ctx, "broker-status", p.sources.BrokerStatus)
		return err
	})
	g.Go(func() (err error) {
		clients, err = p.fetchKeyed(ctx, "client-status", p.sources.ClientStatus)
		return err
	})
	g.Go(func() (err error) {
		system, err = p.fetchRaw(ctx, "system-health", p.sources.SystemHealth)
		return err
	})
	g.Go(func() (err error) {
		tcp, err = p.fetchKeyed(ctx, "tcp-check", p.sources.TCPCheck)
		return err
	})

	if err := g.Wait(); err != nil {
		fe := &models.FetchError{
			Cause:      err.Error(),
			OccurredAt: time.Now().UTC(),
		}
		var se *sourceError
		if errors.As(err, &se) {
			fe.Source = se.source
		}
		p.store.SetLastError(fe)
		p.pub.PublishError(fe)
		return err
	}

	snap := &models.Snapshot{
		Brokers:      brokers,
		Clients:      clients,
		SystemHealth: system,
		TCPHealth:    tcp,
		CapturedAt:   time.Now().UTC(),
	}
	p.store.Replace(snap)
	p.pub.PublishSnapshot(snap)
	return nil
}

// fetchKeyed fetches a source whose payload is a JSON object keyed by broker
// or client identifier. Record values pass through undecoded.
func (p *Poller) fetchKeyed(ctx context.Context, source, url string) (map[string]json.RawMessage, error) {
	raw, err := p.fetchRaw(ctx, source, url)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &sourceError{source: source, err: fmt.Errorf("decode payload: %w", err)}
	}
	return m, nil
}

// fetchRaw performs one GET bounded by the per-request timeout and returns
// the body as raw JSON. Any transport error, non-200 status, or invalid JSON
// fails the fetch.
func (p *Poller) fetchRaw(ctx context.Context, source, url string) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &sourceError{source: source, err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &sourceError{source: source, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &sourceError{source: source, err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, &sourceError{source: source, err: fmt.Errorf("read body: %w", err)}
	}
	if !json.Valid(body) {
		return nil, &sourceError{source: source, err: errors.New("payload is not valid JSON")}
	}
	return json.RawMessage(body), nil
}

func (p *Poller) logf(format string, args ...interface{}) {
	if p.log != nil {
		p.log.Writef(format, args...)
	}
}
