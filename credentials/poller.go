package credentials

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/migadu/nestlink/helpers"
	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/metrics"
)

const DefaultPollInterval = 2 * time.Second

// PollerOptions configures a Poller.
type PollerOptions struct {
	Interval      time.Duration
	Backend       string // metrics label
	RejectExpired bool
	Now           func() time.Time
}

// Poller samples a Store and reports changes. The first observation after
// Start is always reported; later ones only when they differ from the last
// reported snapshot.
type Poller struct {
	store    Store
	interval time.Duration
	backend  string
	reject   bool
	now      func() time.Time

	group singleflight.Group
	// reads numbers each store read before it starts.
	reads atomic.Uint64

	// notifyMu serializes compare-and-report so callbacks observe changes in order.
	notifyMu sync.Mutex
	lastRead uint64 // guarded by notifyMu
	mu       sync.RWMutex
	current  Credential
	reported bool
	onChange func(Credential)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(store Store, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Backend == "" {
		opts.Backend = "unknown"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		store:    store,
		interval: opts.Interval,
		backend:  opts.Backend,
		reject:   opts.RejectExpired,
		now:      opts.Now,
	}
}

// OnChange registers the change callback. It must be called before Start.
func (p *Poller) OnChange(fn func(Credential)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Current returns the last observed credential.
func (p *Poller) Current() Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Start reads the store immediately and then on every interval until Stop or
// ctx is done. Stores implementing Watcher also trigger reads on push.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run(ctx)

	if w, ok := p.store.(Watcher); ok {
		p.wg.Add(1)
		go p.watch(ctx, w)
	}
}

// Stop halts polling and waits for in-flight callbacks.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

type sample struct {
	seq     uint64
	cred    Credential
	aborted bool
}

// Refresh reads the store now and returns the newest credential observed.
// Concurrent calls share one store read. A read that finishes after a later
// one has been reported is dropped, as is a read interrupted by ctx.
func (p *Poller) Refresh(ctx context.Context) Credential {
	v, _, _ := p.group.Do("load", func() (any, error) {
		seq := p.reads.Add(1)
		cred := p.load(ctx)
		return sample{seq: seq, cred: cred, aborted: ctx.Err() != nil}, nil
	})
	s := v.(sample)
	if s.aborted || ctx.Err() != nil {
		return p.Current()
	}
	return p.observe(s)
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.Refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

func (p *Poller) watch(ctx context.Context, w Watcher) {
	defer p.wg.Done()

	for range w.Watch(ctx) {
		if ctx.Err() != nil {
			return
		}
		logger.Debug("[CREDENTIALS] change notification received", "backend", p.backend)
		p.Refresh(ctx)
	}
}

// load never fails: read errors and expired tokens count as no credential.
func (p *Poller) load(ctx context.Context) Credential {
	cred, err := p.store.Load(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("[CREDENTIALS] store read failed, treating as signed out", "backend", p.backend, "error", err)
		}
		metrics.CredentialReads.WithLabelValues(p.backend, "error").Inc()
		return Credential{}
	}
	metrics.CredentialReads.WithLabelValues(p.backend, "ok").Inc()

	if p.reject && cred.Token != "" {
		if err := CheckTokenExpiry(cred.Token, p.now()); err != nil {
			logger.Info("[CREDENTIALS] ignoring token", "user_id", cred.UserID,
				"token", helpers.TokenFingerprint(cred.Token), "reason", err)
			return Credential{}
		}
	}
	return cred
}

func (p *Poller) observe(s sample) Credential {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	if s.seq < p.lastRead {
		logger.Debug("[CREDENTIALS] dropping stale read", "backend", p.backend, "seq", s.seq, "last", p.lastRead)
		return p.Current()
	}
	p.lastRead = s.seq
	cred := s.cred

	p.mu.Lock()
	changed := !p.reported || !p.current.Equal(cred)
	p.current = cred
	p.reported = true
	fn := p.onChange
	p.mu.Unlock()

	if !changed {
		return cred
	}

	state := "absent"
	if cred.Valid() {
		state = "present"
	}
	metrics.CredentialChanges.WithLabelValues(state).Inc()
	logger.Info("[CREDENTIALS] credential changed", "state", state, "user_id", cred.UserID,
		"token", helpers.TokenFingerprint(cred.Token))

	if fn != nil {
		fn(cred)
	}
	return cred
}
