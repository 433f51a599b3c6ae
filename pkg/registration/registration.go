package registration

import (
	"errors"
	"sync"

	"github.com/imkiwa/landscape-client/pkg/future"
	"github.com/imkiwa/landscape-client/pkg/identity"
	"github.com/imkiwa/landscape-client/pkg/reactor"
	"github.com/imkiwa/landscape-client/pkg/store"
	"github.com/pion/logging"
)

// Scheduler is the narrow slice of *exchange.Exchange the handler needs:
// a way to upgrade the next round to urgent once a registration message
// has been enqueued.
type Scheduler interface {
	ScheduleExchange(urgent bool)
}

// Config configures a new Handler.
type Config struct {
	Store    *store.Store
	Identity *identity.Identity
	Reactor  *reactor.Reactor
	Exchange Scheduler

	HostnameProbe      HostnameProbeFunc
	VMInfoProbe        VMInfoProbeFunc
	ContainerInfoProbe ContainerInfoProbeFunc

	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.HostnameProbe == nil {
		c.HostnameProbe = DefaultHostnameProbe
	}
	if c.VMInfoProbe == nil {
		c.VMInfoProbe = NoVMInfoProbe
	}
	if c.ContainerInfoProbe == nil {
		c.ContainerInfoProbe = NoContainerInfoProbe
	}
}

// Handler runs the registration handshake. It subscribes to
// "pre-exchange" to enqueue a "register" message whenever the host is
// unregistered but configured, and to the inbound "set-id"/"registration"/
// "unknown-id" message types to complete, fail, or resynchronize the
// handshake.
type Handler struct {
	cfg Config
	log logging.LeveledLogger

	mu             sync.Mutex
	attempted      bool
	registerFuture *future.Future
}

// New builds a Handler and subscribes it to cfg.Reactor.
func New(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
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
		log = cfg.LoggerFactory.NewLogger("registration")
	} else {
		log = logging.NewDefaultLoggerFactory().NewLogger("registration")
	}

	h := &Handler{cfg: cfg, log: log}
	cfg.Reactor.CallOn("pre-exchange", h.onPreExchange)
	cfg.Reactor.CallOnTagged("message", "set-id", h.onSetID)
	cfg.Reactor.CallOnTagged("message", "registration", h.onRegistrationFailure)
	cfg.Reactor.CallOnTagged("message", "unknown-id", h.onUnknownID)
	return h, nil
}

// Register starts (or joins) a registration attempt, returning a Future
// resolved on the next "registration-done" or rejected on
// "registration-failed". If the host is already registered the Future
// resolves immediately. Registration never runs concurrently with
// itself: a second call while one is pending returns the same Future
// rather than starting another.
func (h *Handler) Register() *future.Future {
	h.mu.Lock()
	if h.cfg.Identity.IsRegistered() {
		h.mu.Unlock()
		sid, _ := h.cfg.Identity.SecureID()
		return future.Resolved(sid)
	}
	if h.registerFuture != nil {
		f := h.registerFuture
		h.mu.Unlock()
		return f
	}
	if !h.cfg.Identity.CanAttemptRegistration() {
		h.mu.Unlock()
		return future.Rejected(ErrNotConfigured)
	}
	f := future.New()
	h.registerFuture = f
	h.mu.Unlock()

	h.cfg.Exchange.ScheduleExchange(true)
	return f
}

func (h *Handler) onPreExchange(...interface{}) (interface{}, error) {
	if h.cfg.Identity.IsRegistered() || !h.cfg.Identity.CanAttemptRegistration() {
		return nil, nil
	}

	h.mu.Lock()
	if h.attempted {
		h.mu.Unlock()
		return nil, nil
	}
	h.attempted = true
	h.mu.Unlock()

	msg := map[string]interface{}{
		"type":           "register",
		"computer-title": h.cfg.Identity.ComputerTitle(),
		"account-name":   h.cfg.Identity.AccountName(),
	}
	if pw := h.cfg.Identity.RegistrationPassword(); pw != "" {
		msg["registration-password"] = pw
	}
	if hostname, ok := h.cfg.HostnameProbe(); ok {
		msg["hostname"] = hostname
	}
	if vmInfo, ok := h.cfg.VMInfoProbe(); ok {
		msg["vm-info"] = vmInfo
	}
	if containerInfo, ok := h.cfg.ContainerInfoProbe(); ok {
		msg["container-info"] = containerInfo
	}

	if _, err := h.cfg.Store.Add(msg); err != nil {
		h.log.Errorf("enqueuing registration message: %v", err)
		return nil, err
	}
	h.cfg.Exchange.ScheduleExchange(true)
	return true, nil
}

func (h *Handler) onSetID(args ...interface{}) (interface{}, error) {
	msg, _ := args[0].(map[string]interface{})
	secureID, _ := msg["id"].(string)
	insecureID, _ := msg["insecure-id"].(string)

	if err := h.cfg.Identity.SetIDs(secureID, insecureID); err != nil {
		h.log.Errorf("persisting issued ids: %v", err)
		return nil, err
	}

	f := h.settle()
	h.cfg.Reactor.Fire("registration-done")
	if f != nil {
		f.Resolve(secureID)
	}
	return true, nil
}

func (h *Handler) onRegistrationFailure(args ...interface{}) (interface{}, error) {
	msg, _ := args[0].(map[string]interface{})
	reason, _ := msg["info"].(string)

	f := h.settle()
	h.cfg.Reactor.Fire("registration-failed", reason)
	if f != nil {
		if reason != "" {
			f.Reject(errors.New(reason))
		} else {
			f.Reject(ErrRegistrationFailed)
		}
	}
	return true, nil
}

func (h *Handler) onUnknownID(...interface{}) (interface{}, error) {
	if err := h.cfg.Identity.ClearSecureID(); err != nil {
		h.log.Errorf("clearing secure id after unknown-id: %v", err)
	}
	h.settle()
	h.cfg.Reactor.Fire("resynchronize")
	return true, nil
}

// settle clears the in-flight attempt bookkeeping and returns the pending
// Register() Future, if any, for the caller to resolve or reject.
func (h *Handler) settle() *future.Future {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempted = false
	f := h.registerFuture
	h.registerFuture = nil
	return f
}
