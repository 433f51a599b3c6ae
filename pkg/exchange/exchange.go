package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/imkiwa/landscape-client/pkg/future"
	"github.com/imkiwa/landscape-client/pkg/identity"
	"github.com/imkiwa/landscape-client/pkg/reactor"
	"github.com/imkiwa/landscape-client/pkg/store"
	"github.com/imkiwa/landscape-client/pkg/transport"
	"github.com/imkiwa/landscape-client/pkg/wireformat"
	"github.com/pion/logging"
	"golang.org/x/crypto/blake2b"
)

// DefaultExchangeInterval is the default period between exchange rounds.
const DefaultExchangeInterval = 15 * time.Minute

// DefaultUrgentExchangeInterval is the period used once a round is
// upgraded to urgent.
const DefaultUrgentExchangeInterval = 10 * time.Second

// DefaultImpendingLeadTime is how long before a scheduled exchange the
// "impending-exchange" event fires, giving clients a chance to flush
// last-minute measurements.
const DefaultImpendingLeadTime = 10 * time.Second

// defaultClientAcceptedTypes are message types the broker itself always
// understands, independent of any client's registration.
var defaultClientAcceptedTypes = []string{"registration", "set-id", "unknown-id", "operation-result"}

// State is one of the exchange state machine's lifecycle states.
type State int

// States of the exchange state machine.
const (
	StateIdle State = iota
	StateScheduled
	StateInFlight
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateInFlight:
		return "in-flight"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a new Exchange.
type Config struct {
	Store     *store.Store
	Reactor   *reactor.Reactor
	Transport transport.Exchanger
	Identity  *identity.Identity
	Codec     wireformat.Codec

	ServerAPI string
	ClientAPI string
	UserAgent string

	ExchangeInterval       time.Duration
	UrgentExchangeInterval time.Duration
	ImpendingLeadTime      time.Duration
	MaxPendingMessages     int

	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Codec == nil {
		c.Codec = wireformat.Default()
	}
	if c.ServerAPI == "" {
		c.ServerAPI = "3.3"
	}
	if c.ClientAPI == "" {
		c.ClientAPI = "3.3"
	}
	if c.UserAgent == "" {
		c.UserAgent = "landscape-client/1.0"
	}
	if c.ExchangeInterval <= 0 {
		c.ExchangeInterval = DefaultExchangeInterval
	}
	if c.UrgentExchangeInterval <= 0 {
		c.UrgentExchangeInterval = DefaultUrgentExchangeInterval
	}
	if c.ImpendingLeadTime <= 0 {
		c.ImpendingLeadTime = DefaultImpendingLeadTime
	}
	if c.MaxPendingMessages <= 0 {
		c.MaxPendingMessages = store.DefaultMaxPending
	}
}

// Exchange is the scheduler/state machine that flushes the message store
// to the server and dispatches its responses. One Exchange is owned by
// the broker for its entire lifetime; all state transitions flow through
// the single mutex below.
type Exchange struct {
	cfg Config
	log logging.LeveledLogger

	mu               sync.Mutex
	started          bool
	state            State
	urgent           bool
	timerHandle      reactor.Handle
	impendingHandle  reactor.Handle
	inFlight         *future.Future
	nextUrgentOnDone bool
	lastExchangeTime time.Time
	clientTypes      map[string]struct{}
}

// New builds an Exchange from cfg.
func New(cfg Config) (*Exchange, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Transport == nil {
		return nil, ErrTransportRequired
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
		log = cfg.LoggerFactory.NewLogger("exchange")
	} else {
		log = logging.NewDefaultLoggerFactory().NewLogger("exchange")
	}

	return &Exchange{
		cfg:         cfg,
		log:         log,
		state:       StateIdle,
		clientTypes: make(map[string]struct{}),
	}, nil
}

// Start arms the first exchange round, Config.ExchangeInterval from now.
// Calling Start twice is a no-op.
func (e *Exchange) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	e.ScheduleExchange(false)
}

// Stop cancels any outstanding timer. A round already dispatched to the
// transport runs to completion and updates state, but does not
// reschedule.
func (e *Exchange) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	e.cancelTimersLocked()
}

func (e *Exchange) cancelTimersLocked() {
	if e.timerHandle != 0 {
		e.cfg.Reactor.Cancel(e.timerHandle)
		e.timerHandle = 0
	}
	if e.impendingHandle != 0 {
		e.cfg.Reactor.Cancel(e.impendingHandle)
		e.impendingHandle = 0
	}
}

// ScheduleExchange (re)arms the timer. If urgent and the timer is not
// already in urgent mode, it cancels the current timer and arms it at
// UrgentExchangeInterval; a subsequent urgent call within the same
// interval is idempotent. If a round is currently in flight there is no
// timer to rearm; the request is recorded and applied to the reschedule
// that follows the round's completion.
func (e *Exchange) ScheduleExchange(urgent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inFlight != nil {
		if urgent {
			e.nextUrgentOnDone = true
		}
		return
	}
	if urgent && e.urgent {
		return
	}
	e.rearmLocked(urgent)
}

func (e *Exchange) rearmLocked(urgent bool) {
	e.cancelTimersLocked()

	interval := e.cfg.ExchangeInterval
	if urgent {
		interval = e.cfg.UrgentExchangeInterval
	}
	e.urgent = urgent
	e.state = StateScheduled

	e.timerHandle = e.cfg.Reactor.CallLater(interval, e.onTimerFire)
	if interval > e.cfg.ImpendingLeadTime {
		lead := interval - e.cfg.ImpendingLeadTime
		e.impendingHandle = e.cfg.Reactor.CallLater(lead, func() {
			e.cfg.Reactor.Fire("impending-exchange")
		})
	}
}

func (e *Exchange) onTimerFire() {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	e.Exchange()
}

// IsUrgent reports whether the currently scheduled round is armed at the
// urgent interval.
func (e *Exchange) IsUrgent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urgent
}

// Exchange forces one exchange round now and returns a Future that
// resolves when it completes. A second call while a round is already in
// flight returns that same round's Future rather than starting another.
func (e *Exchange) Exchange() *future.Future {
	e.mu.Lock()
	if e.inFlight != nil {
		f := e.inFlight
		e.mu.Unlock()
		return f
	}
	f := future.New()
	e.inFlight = f
	e.state = StateInFlight
	e.mu.Unlock()

	go e.runRound(f)
	return f
}

func (e *Exchange) runRound(f *future.Future) {
	e.mu.Lock()
	last := e.lastExchangeTime
	e.mu.Unlock()

	e.cfg.Reactor.Fire("pre-exchange")

	payload := e.buildPayload(last)
	data, err := e.cfg.Codec.Encode(payload)
	if err != nil {
		e.log.Errorf("encoding exchange payload: %v", err)
		e.finishRound(f, false, err)
		return
	}

	headers := map[string]string{
		"User-Agent":   e.cfg.UserAgent,
		"Content-Type": e.cfg.Codec.ContentType(),
	}
	if sid, ok := e.cfg.Identity.SecureID(); ok {
		headers["X-Computer-ID"] = sid
	}

	respBytes, err := e.cfg.Transport.Exchange(context.Background(), data, headers)
	if err != nil {
		e.log.Warnf("exchange round failed: %v", err)
		e.cfg.Reactor.Fire("exchange-failed", err)
		e.cfg.Store.RewindPendingOffset()
		e.finishRound(f, false, err)
		return
	}

	var resp map[string]interface{}
	if derr := e.cfg.Codec.Decode(respBytes, &resp); derr != nil {
		e.log.Warnf("malformed exchange response: %v", derr)
		e.cfg.Reactor.Fire("exchange-failed", ErrMalformedResponse)
		e.cfg.Store.RewindPendingOffset()
		e.finishRound(f, false, ErrMalformedResponse)
		return
	}

	e.processResponse(resp)
	e.cfg.Reactor.Fire("exchange-done")
	e.finishRound(f, true, nil)
}

func (e *Exchange) buildPayload(lastExchangeTime time.Time) map[string]interface{} {
	pending := e.cfg.Store.GetPendingMessages(e.cfg.MaxPendingMessages)
	if len(pending) > 0 {
		e.cfg.Store.SetPendingOffset(pending[len(pending)-1].Seq)
	}

	messages := make([]map[string]interface{}, 0, len(pending))
	for _, rec := range pending {
		m := make(map[string]interface{}, len(rec.Payload)+1)
		for k, v := range rec.Payload {
			m[k] = v
		}
		if _, ok := m["api"]; !ok {
			m["api"] = e.cfg.ClientAPI
		}
		messages = append(messages, m)
	}

	acceptedTypes := e.GetClientAcceptedMessageTypes()
	var lastExchange float64
	if !lastExchangeTime.IsZero() {
		lastExchange = float64(lastExchangeTime.Unix())
	}

	return map[string]interface{}{
		"server-api":             e.cfg.ServerAPI,
		"client-api":             e.cfg.ClientAPI,
		"next-expected-sequence": e.cfg.Store.ServerSequence() + 1,
		"last-exchange-time":     lastExchange,
		"accepted-types":         acceptedTypes,
		"accepted-types-digest":  digestAcceptedTypes(acceptedTypes),
		"messages":               messages,
	}
}

func (e *Exchange) processResponse(resp map[string]interface{}) {
	if nextExpected, ok := toUint64(resp["next-expected-sequence"]); ok && nextExpected > 0 {
		if err := e.cfg.Store.Acknowledge(nextExpected - 1); err != nil {
			e.log.Errorf("acknowledging exchange response: %v", err)
		}
	}

	if rawMessages, ok := resp["messages"].([]interface{}); ok {
		for _, rm := range rawMessages {
			if msg, ok := rm.(map[string]interface{}); ok {
				e.dispatchInbound(msg)
			}
		}
	}

	if uuid, ok := resp["server-uuid"].(string); ok && uuid != "" {
		old, changed, err := e.cfg.Store.SetServerUUID(uuid)
		if err != nil {
			e.log.Errorf("recording server uuid: %v", err)
		} else if changed {
			e.cfg.Reactor.Fire("server-uuid-changed", old, uuid)
		}
	}

	if rawTypes, ok := resp["accepted-types"].([]interface{}); ok {
		types := make([]string, 0, len(rawTypes))
		for _, t := range rawTypes {
			if s, ok := t.(string); ok {
				types = append(types, s)
			}
		}
		if err := e.cfg.Store.SetAcceptedTypes(types); err != nil {
			e.log.Errorf("recording accepted types: %v", err)
		}
	}
}

// HandleMessage dispatches msg through the same path an inbound message
// from an exchange response takes: assigning the next server_sequence,
// firing the "message" event, and enqueuing an operation-result on an
// unhandled operation-id. It exists so tests and other hooks can inject
// a message without round-tripping a full exchange.
func (e *Exchange) HandleMessage(msg map[string]interface{}) {
	e.dispatchInbound(msg)
}

func (e *Exchange) dispatchInbound(msg map[string]interface{}) {
	next := e.cfg.Store.ServerSequence() + 1
	if err := e.cfg.Store.SetServerSequence(next); err != nil {
		e.log.Errorf("advancing server sequence: %v", err)
	}

	msgType, _ := msg["type"].(string)
	results := e.cfg.Reactor.FireTagged("message", msgType, msg)
	results = append(results, e.cfg.Reactor.Fire("message", msg)...)

	handled := false
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if ok, _ := res.Value.(bool); ok {
			handled = true
		}
	}

	opID, hasOpID := msg["operation-id"]
	if hasOpID && !handled {
		_, err := e.cfg.Store.Add(map[string]interface{}{
			"type":         "operation-result",
			"operation-id": opID,
			"status":       "FAILED",
			"result-text":  fmt.Sprintf("Landscape client failed to handle this request (%s)", msgType),
		})
		if err != nil {
			e.log.Errorf("enqueuing unhandled-operation result: %v", err)
		}
	}
}

func (e *Exchange) finishRound(f *future.Future, success bool, err error) {
	e.mu.Lock()
	e.lastExchangeTime = time.Now()
	e.inFlight = nil

	var nextUrgent bool
	if success {
		nextUrgent = e.nextUrgentOnDone || e.cfg.Store.HasUnsentAcceptedMessages()
		e.state = StateIdle
	} else {
		nextUrgent = false
		e.state = StateFailed
	}
	e.nextUrgentOnDone = false
	started := e.started
	e.mu.Unlock()

	if started {
		e.ScheduleExchange(nextUrgent)
	}

	if success {
		f.Resolve(nil)
	} else {
		f.Reject(err)
	}
}

// RegisterClientAcceptedMessageType adds typ to this host's set of
// accepted inbound message types. A type that wasn't already registered
// triggers an urgent exchange so the server learns the new capability.
func (e *Exchange) RegisterClientAcceptedMessageType(typ string) {
	e.mu.Lock()
	if _, had := e.clientTypes[typ]; had {
		e.mu.Unlock()
		return
	}
	e.clientTypes[typ] = struct{}{}
	e.mu.Unlock()

	e.ScheduleExchange(true)
}

// GetClientAcceptedMessageTypes returns the sorted union of the built-in
// default accepted types and every type registered with
// RegisterClientAcceptedMessageType.
func (e *Exchange) GetClientAcceptedMessageTypes() []string {
	e.mu.Lock()
	set := make(map[string]struct{}, len(defaultClientAcceptedTypes)+len(e.clientTypes))
	for _, t := range defaultClientAcceptedTypes {
		set[t] = struct{}{}
	}
	for t := range e.clientTypes {
		set[t] = struct{}{}
	}
	e.mu.Unlock()

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func digestAcceptedTypes(types []string) []byte {
	h, _ := blake2b.New256(nil)
	for _, t := range types {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}
