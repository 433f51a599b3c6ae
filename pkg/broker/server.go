package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/imkiwa/landscape-client/pkg/exchange"
	"github.com/imkiwa/landscape-client/pkg/future"
	"github.com/imkiwa/landscape-client/pkg/reactor"
	"github.com/imkiwa/landscape-client/pkg/registration"
	"github.com/imkiwa/landscape-client/pkg/store"
	"github.com/pion/logging"
)

// broadcastEvents are the broker events forwarded to every registered
// client. A client reacts to "broker-reconnect" by re-sending its
// accepted-message-type registrations, which is how state is rebuilt
// after a broker restart.
var broadcastEvents = []string{
	"resynchronize",
	"impending-exchange",
	"exchange-failed",
	"registration-done",
	"registration-failed",
	"broker-reconnect",
	"server-uuid-changed",
	"message-type-acceptance-changed",
	"package-data-changed",
}

// postExitDelay is how long after pre-exit/stop-clients the post-exit
// event fires, one scheduler tick so in-flight callbacks drain first.
const postExitDelay = 10 * time.Millisecond

// ServerConfig configures a new Server.
type ServerConfig struct {
	Reactor      *reactor.Reactor
	Store        *store.Store
	Exchange     *exchange.Exchange
	Registration *registration.Handler

	// Connectors is the registry RegisterClient looks names up in.
	Connectors map[string]ClientConnector

	// Reload re-reads the daemon configuration from disk and applies it.
	// Invoked by ReloadConfiguration after clients are stopped. Optional.
	Reload func() error

	LoggerFactory logging.LoggerFactory
}

// Server is the facade local clients talk to. Every operation is a pure
// dispatch into the components assembled by the Service; the Server itself
// owns only the client registry.
type Server struct {
	cfg ServerConfig
	log logging.LeveledLogger

	mu      sync.Mutex
	clients []*ClientRecord
}

// NewServer builds a Server and subscribes it to the broker reactor so
// broadcast events and inbound messages fan out to registered clients.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Reactor == nil {
		cfg.Reactor = reactor.New()
	}

	var log logging.LeveledLogger
	if cfg.LoggerFactory != nil {
		log = cfg.LoggerFactory.NewLogger("broker")
	} else {
		log = logging.NewDefaultLoggerFactory().NewLogger("broker")
	}

	s := &Server{cfg: cfg, log: log}

	for _, name := range broadcastEvents {
		n := name
		cfg.Reactor.CallOn(n, func(args ...interface{}) (interface{}, error) {
			s.BroadcastEvent(n, args...)
			return nil, nil
		})
	}
	cfg.Reactor.CallOn("message", s.onMessage)

	return s, nil
}

// Ping reports broker liveness to a client.
func (s *Server) Ping() bool { return true }

// SendMessage enqueues msg for the next exchange and returns its assigned
// sequence number. If urgent, the next exchange is pulled forward to the
// urgent interval.
func (s *Server) SendMessage(msg map[string]interface{}, urgent bool) (uint64, error) {
	seq, err := s.cfg.Store.Add(msg)
	if err != nil {
		return 0, err
	}
	if urgent && s.cfg.Exchange != nil {
		s.cfg.Exchange.ScheduleExchange(true)
	}
	return seq, nil
}

// IsMessagePending reports whether seq has been assigned but not yet
// acknowledged by the server.
func (s *Server) IsMessagePending(seq uint64) bool {
	return s.cfg.Store.IsMessagePending(seq)
}

// RegisterClient connects the named client plugin through its registered
// connector and records the handle. The Future resolves with the new
// ClientRecord once connected.
func (s *Server) RegisterClient(name string) *future.Future {
	conn, ok := s.cfg.Connectors[name]
	if !ok {
		return future.Rejected(ErrUnknownConnector)
	}

	f := future.New()
	go func() {
		client, err := conn.Connect()
		if err != nil {
			f.Reject(err)
			return
		}
		rec := newClientRecord(name, client)
		s.mu.Lock()
		s.clients = append(s.clients, rec)
		s.mu.Unlock()
		s.log.Infof("client %q registered (handle %s)", name, rec.Handle)
		f.Resolve(rec)
	}()
	return f
}

// GetClients returns the registered clients in registration order.
func (s *Server) GetClients() []*ClientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ClientRecord, len(s.clients))
	copy(out, s.clients)
	return out
}

// GetClient returns the registered client named name, if any.
func (s *Server) GetClient(name string) (*ClientRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.clients {
		if rec.Name == name {
			return rec, true
		}
	}
	return nil, false
}

// GetConnectors returns the sorted names in the connector registry.
func (s *Server) GetConnectors() []string {
	names := make([]string, 0, len(s.cfg.Connectors))
	for name := range s.cfg.Connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetConnector returns the connector registered under name, if any.
func (s *Server) GetConnector(name string) (ClientConnector, bool) {
	conn, ok := s.cfg.Connectors[name]
	return conn, ok
}

// StopClients asks every registered client to exit and clears the
// registry. The Future is rejected with ErrClientsStopFailed if any
// client's exit call failed.
func (s *Server) StopClients() *future.Future {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()

	f := future.New()
	go func() {
		failed := false
		for _, rec := range clients {
			if _, err := rec.Client.Exit().Wait(context.Background()); err != nil {
				s.log.Warnf("client %q failed to stop: %v", rec.Name, err)
				failed = true
			}
		}
		if failed {
			f.Reject(ErrClientsStopFailed)
		} else {
			f.Resolve(nil)
		}
	}()
	return f
}

// ReloadConfiguration stops every client, re-reads the daemon
// configuration from disk, and applies it. Clients are expected to
// reconnect and re-register on the broker-reconnect broadcast that
// follows.
func (s *Server) ReloadConfiguration() *future.Future {
	f := future.New()
	go func() {
		if _, err := s.StopClients().Wait(context.Background()); err != nil {
			f.Reject(err)
			return
		}
		if s.cfg.Reload != nil {
			if err := s.cfg.Reload(); err != nil {
				f.Reject(err)
				return
			}
		}
		s.cfg.Reactor.Fire("broker-reconnect")
		f.Resolve(nil)
	}()
	return f
}

// Register delegates to the registration handler, returning its
// completion handle.
func (s *Server) Register() *future.Future {
	return s.cfg.Registration.Register()
}

// GetAcceptedMessageTypes returns the server's currently advertised
// accepted-types set.
func (s *Server) GetAcceptedMessageTypes() []string {
	return s.cfg.Store.AcceptedTypes()
}

// GetServerUUID returns the last known server UUID, if any.
func (s *Server) GetServerUUID() (string, bool) {
	return s.cfg.Store.ServerUUID()
}

// RegisterClientAcceptedMessageType records that a local client can handle
// inbound messages of type typ.
func (s *Server) RegisterClientAcceptedMessageType(typ string) {
	if s.cfg.Exchange != nil {
		s.cfg.Exchange.RegisterClientAcceptedMessageType(typ)
	}
}

// FireEvent dispatches an event on the broker's own reactor and returns
// the listener results.
func (s *Server) FireEvent(name string, args ...interface{}) []reactor.Result {
	return s.cfg.Reactor.Fire(name, args...)
}

// ListenEvents resolves with the first of names fired on the broker
// reactor, then unsubscribes from all of them.
func (s *Server) ListenEvents(names []string) *future.Future {
	f := future.New()
	ch := s.cfg.Reactor.ListenOnce(names)
	go func() {
		f.Resolve(<-ch)
	}()
	return f
}

// Exit fires pre-exit, stops every client (swallowing their failures),
// then fires post-exit one tick later so in-flight callbacks drain before
// teardown.
func (s *Server) Exit() *future.Future {
	f := future.New()
	go func() {
		s.cfg.Reactor.Fire("pre-exit")
		s.StopClients().Wait(context.Background())
		s.cfg.Reactor.CallLater(postExitDelay, func() {
			s.cfg.Reactor.Fire("post-exit")
			f.Resolve(nil)
		})
	}()
	return f
}

// BroadcastEvent forwards name to every registered client's FireEvent and
// aggregates the results: one inner slice of handler return values per
// client, in registration order. A client whose delivery fails
// contributes a nil inner slice.
func (s *Server) BroadcastEvent(name string, args ...interface{}) *future.Future {
	s.mu.Lock()
	clients := make([]*ClientRecord, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	f := future.New()
	go func() {
		results := make([][]interface{}, 0, len(clients))
		for _, rec := range clients {
			v, err := rec.Client.FireEvent(name, args...).Wait(context.Background())
			if err != nil {
				s.log.Warnf("broadcasting %q to client %q: %v", name, rec.Name, err)
				results = append(results, nil)
				continue
			}
			results = append(results, asSlice(v))
		}
		f.Resolve(results)
	}()
	return f
}

func asSlice(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	default:
		return []interface{}{t}
	}
}

// onMessage fans an inbound server message out to registered clients,
// stopping at the first one that reports it handled. The returned bool
// feeds the exchange layer's unhandled-operation accounting.
func (s *Server) onMessage(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return false, nil
	}
	msg, ok := args[0].(map[string]interface{})
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	clients := make([]*ClientRecord, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	for _, rec := range clients {
		v, err := rec.Client.Message(msg).Wait(context.Background())
		if err != nil {
			s.log.Warnf("delivering message to client %q: %v", rec.Name, err)
			continue
		}
		if handled, _ := v.(bool); handled {
			return true, nil
		}
	}
	return false, nil
}
