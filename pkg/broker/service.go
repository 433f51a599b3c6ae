package broker

import (
	"os"
	"sync"

	"github.com/imkiwa/landscape-client/pkg/exchange"
	"github.com/imkiwa/landscape-client/pkg/identity"
	"github.com/imkiwa/landscape-client/pkg/persist"
	"github.com/imkiwa/landscape-client/pkg/pinger"
	"github.com/imkiwa/landscape-client/pkg/reactor"
	"github.com/imkiwa/landscape-client/pkg/registration"
	"github.com/imkiwa/landscape-client/pkg/store"
	"github.com/imkiwa/landscape-client/pkg/transport"
	"github.com/pion/logging"
)

// Service assembles the broker: one Persist, one Store, one Exchange, one
// Pinger and one registration Handler, wired together at construction in
// dependency order and started/stopped as a unit.
type Service struct {
	cfg        Config
	configPath string
	log        logging.LeveledLogger

	reactor      *reactor.Reactor
	persist      *persist.Persist
	identity     *identity.Identity
	store        *store.Store
	exchange     *exchange.Exchange
	pinger       *pinger.Pinger
	registration *registration.Handler
	server       *Server

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewService builds a Service from cfg and the connector registry local
// clients are reachable through. The persistence snapshot is loaded
// before the message store is rebuilt from it; the service is created
// stopped — call Start to arm the exchange schedule.
func NewService(cfg Config, connectors map[string]ClientConnector) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	var log logging.LeveledLogger
	if cfg.LoggerFactory != nil {
		log = cfg.LoggerFactory.NewLogger("broker")
	} else {
		log = logging.NewDefaultLoggerFactory().NewLogger("broker")
	}

	s := &Service{cfg: cfg, log: log, done: make(chan struct{})}
	s.reactor = reactor.New()

	var err error
	s.persist, err = persist.Load(persist.Config{
		Filename:      cfg.MessageStorePath,
		Codec:         cfg.Codec,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	exchanger := cfg.Transport
	if exchanger == nil {
		var pinned []byte
		if cfg.SSLPublicKey != "" {
			var err error
			pinned, err = os.ReadFile(cfg.SSLPublicKey)
			if err != nil {
				return nil, err
			}
		}
		var signer transport.Signer
		if cfg.RegistrationPassword != "" {
			signer = transport.NewBlakeKeyedSigner([]byte(cfg.RegistrationPassword))
		}
		var err error
		exchanger, err = transport.NewHTTPTransport(transport.Config{
			ServerURL:          cfg.URL,
			ContentType:        cfg.Codec.ContentType(),
			PinnedPublicKeyPEM: pinned,
			Signer:             signer,
			LoggerFactory:      cfg.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
	}

	s.store, err = store.New(store.Config{
		Persist:       s.persist,
		Reactor:       s.reactor,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	s.identity = identity.New(s.persist, identity.Config{
		ComputerTitle:        cfg.ComputerTitle,
		AccountName:          cfg.AccountName,
		RegistrationPassword: cfg.RegistrationPassword,
	})

	s.exchange, err = exchange.New(exchange.Config{
		Store:                  s.store,
		Reactor:                s.reactor,
		Transport:              exchanger,
		Identity:               s.identity,
		Codec:                  cfg.Codec,
		ExchangeInterval:       cfg.ExchangeInterval,
		UrgentExchangeInterval: cfg.UrgentExchangeInterval,
		LoggerFactory:          cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	if cfg.PingURL != "" {
		fetcher := cfg.Fetcher
		if fetcher == nil {
			fetcher = transport.NewHTTPFetcher(nil)
		}
		s.pinger, err = pinger.New(pinger.Config{
			Fetcher:       fetcher,
			Identity:      s.identity,
			Reactor:       s.reactor,
			Exchange:      s.exchange,
			Codec:         cfg.Codec,
			PingURL:       cfg.PingURL,
			Interval:      cfg.PingInterval,
			LoggerFactory: cfg.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
	}

	s.registration, err = registration.New(registration.Config{
		Store:         s.store,
		Identity:      s.identity,
		Reactor:       s.reactor,
		Exchange:      s.exchange,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	s.server, err = NewServer(ServerConfig{
		Reactor:       s.reactor,
		Store:         s.store,
		Exchange:      s.exchange,
		Registration:  s.registration,
		Connectors:    connectors,
		Reload:        s.reloadConfiguration,
		LoggerFactory: cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	s.reactor.CallOn("post-exit", func(...interface{}) (interface{}, error) {
		return nil, s.Stop()
	})

	return s, nil
}

// NewServiceFromFile loads the daemon configuration file at path and
// builds a Service from it, remembering path so ReloadConfiguration can
// re-read it.
func NewServiceFromFile(path string, connectors map[string]ClientConnector) (*Service, error) {
	cfg, err := LoadConfigFile(path, nil)
	if err != nil {
		return nil, err
	}
	s, err := NewService(cfg, connectors)
	if err != nil {
		return nil, err
	}
	s.configPath = path
	return s, nil
}

// Start exports any configured proxies into the environment and starts
// the exchanger, then the pinger.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.HTTPProxy != "" {
		os.Setenv("HTTP_PROXY", s.cfg.HTTPProxy)
	}
	if s.cfg.HTTPSProxy != "" {
		os.Setenv("HTTPS_PROXY", s.cfg.HTTPSProxy)
	}

	s.exchange.Start()
	if s.pinger != nil {
		s.pinger.Start()
	}
	s.log.Infof("broker started, exchanging with %s", s.cfg.URL)
	return nil
}

// Stop cancels the ping and exchange schedules and flushes the
// persistence snapshot. A round already dispatched to the transport runs
// to completion but does not reschedule.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	s.mu.Unlock()

	if s.pinger != nil {
		s.pinger.Stop()
	}
	s.exchange.Stop()
	err := s.persist.Save()
	s.doneOnce.Do(func() { close(s.done) })
	s.log.Info("broker stopped")
	return err
}

// Done is closed once the service has stopped, whether through Stop or
// through the post-exit event that follows Server.Exit.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Server returns the facade local clients talk to.
func (s *Service) Server() *Server { return s.server }

// Reactor returns the broker's event bus, for clients running in-process.
func (s *Service) Reactor() *reactor.Reactor { return s.reactor }

// Exchange returns the exchange state machine.
func (s *Service) Exchange() *exchange.Exchange { return s.exchange }

// Store returns the durable outbound message store.
func (s *Service) Store() *store.Store { return s.store }

// Identity returns the broker's identity tuple.
func (s *Service) Identity() *identity.Identity { return s.identity }

// reloadConfiguration re-reads the configuration file, if the service was
// built from one, and applies the identity options. Interval changes take
// effect on the next restart.
func (s *Service) reloadConfiguration() error {
	if s.configPath == "" {
		return nil
	}
	cfg, err := LoadConfigFile(s.configPath, s.cfg.Codec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg.ComputerTitle = cfg.ComputerTitle
	s.cfg.AccountName = cfg.AccountName
	s.cfg.RegistrationPassword = cfg.RegistrationPassword
	s.mu.Unlock()

	s.identity.Reconfigure(identity.Config{
		ComputerTitle:        cfg.ComputerTitle,
		AccountName:          cfg.AccountName,
		RegistrationPassword: cfg.RegistrationPassword,
	})
	s.log.Info("configuration reloaded")
	return nil
}
