package pinger

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/imkiwa/landscape-client/pkg/identity"
	"github.com/imkiwa/landscape-client/pkg/reactor"
	"github.com/imkiwa/landscape-client/pkg/transport"
	"github.com/imkiwa/landscape-client/pkg/wireformat"
	"github.com/pion/logging"
)

// DefaultInterval is the default period between pings.
const DefaultInterval = 60 * time.Second

// Scheduler is the narrow slice of *exchange.Exchange the Pinger needs.
type Scheduler interface {
	ScheduleExchange(urgent bool)
}

// Config configures a new Pinger.
type Config struct {
	Fetcher  transport.Fetcher
	Identity *identity.Identity
	Reactor  *reactor.Reactor
	Exchange Scheduler
	Codec    wireformat.Codec

	PingURL  string
	Interval time.Duration

	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Codec == nil {
		c.Codec = wireformat.Default()
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
}

// Pinger is the server-liveness probe. It ticks every cfg.Interval, GETs
// cfg.PingURL with the host's insecure-id, and asks the exchange layer
// for an urgent round whenever the server reports pending inbound
// messages.
type Pinger struct {
	cfg Config
	log logging.LeveledLogger

	mu      sync.Mutex
	handle  reactor.Handle
	running bool
}

// New builds a Pinger.
func New(cfg Config) (*Pinger, error) {
	if cfg.Fetcher == nil {
		return nil, ErrFetcherRequired
	}
	if cfg.Identity == nil {
		return nil, ErrIdentityRequired
	}
	if cfg.Reactor == nil {
		cfg.Reactor = reactor.New()
	}
	cfg.applyDefaults()

	var log logging.LeveledLogger
	if cfg.LoggerFactory != nil {
		log = cfg.LoggerFactory.NewLogger("pinger")
	} else {
		log = logging.NewDefaultLoggerFactory().NewLogger("pinger")
	}

	return &Pinger{cfg: cfg, log: log}, nil
}

// Start arms the recurring ping timer. The Pinger has no effect until
// the host has an insecure-id; Tick checks for one on every firing and
// simply does nothing until it appears, so Start is safe to call as soon
// as the broker wires its collaborators together.
func (p *Pinger) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()
	p.scheduleNext()
}

// Stop cancels the recurring ping timer.
func (p *Pinger) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	if p.handle != 0 {
		p.cfg.Reactor.Cancel(p.handle)
		p.handle = 0
	}
}

func (p *Pinger) scheduleNext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.handle = p.cfg.Reactor.CallLater(p.cfg.Interval, p.tick)
}

func (p *Pinger) tick() {
	p.Tick(context.Background())
	p.scheduleNext()
}

// Tick performs a single ping synchronously, independent of the recurring
// timer — used directly by tests and by callers wanting an immediate
// liveness check.
func (p *Pinger) Tick(ctx context.Context) {
	insecureID, ok := p.cfg.Identity.InsecureID()
	if !ok {
		return
	}

	u := p.cfg.PingURL
	if q, err := url.Parse(u); err == nil {
		values := q.Query()
		values.Set("insecure_id", insecureID)
		q.RawQuery = values.Encode()
		u = q.String()
	}

	body, err := p.cfg.Fetcher.Fetch(ctx, u)
	if err != nil {
		p.log.Debugf("ping failed, will retry next tick: %v", err)
		return
	}

	var resp map[string]interface{}
	if err := p.cfg.Codec.Decode(body, &resp); err != nil {
		p.log.Debugf("malformed ping response, will retry next tick: %v", err)
		return
	}

	hasMessages, _ := resp["messages"].(bool)
	if hasMessages && p.cfg.Identity.IsRegistered() {
		p.cfg.Exchange.ScheduleExchange(true)
	}
}
