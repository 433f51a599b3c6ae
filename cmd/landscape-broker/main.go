// landscape-broker is the message broker daemon of the Landscape client.
//
// It multiplexes the co-located client plugins onto a single periodic
// HTTPS exchange with the Landscape server, persisting queued messages
// across restarts and performing the one-shot registration handshake.
//
// Usage:
//
//	landscape-broker [options]
//
// Options:
//
//	-config    Path to a configuration file (overrides the other flags)
//	-url       Exchange endpoint URL
//	-ping-url  Liveness probe URL (empty disables the pinger)
//	-data-path Directory for the persistence snapshot (default: /var/lib/landscape/client)
//	-title     Computer title to register under
//	-account   Account name to register under
//	-password  Registration password, if the account requires one
//	-verbose   Enable debug logging
//
// Example:
//
//	landscape-broker -url https://landscape.example.com/message-system \
//	    -ping-url https://landscape.example.com/ping \
//	    -account mycompany -title "web-01"
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/imkiwa/landscape-client/pkg/broker"
	"github.com/pion/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a configuration file")
	url := flag.String("url", "", "exchange endpoint URL")
	pingURL := flag.String("ping-url", "", "liveness probe URL")
	dataPath := flag.String("data-path", "/var/lib/landscape/client", "directory for the persistence snapshot")
	title := flag.String("title", "", "computer title to register under")
	account := flag.String("account", "", "account name to register under")
	password := flag.String("password", "", "registration password")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	factory := logging.NewDefaultLoggerFactory()
	if *verbose {
		factory.DefaultLogLevel = logging.LogLevelDebug
	}

	var svc *broker.Service
	var err error
	if *configPath != "" {
		svc, err = broker.NewServiceFromFile(*configPath, nil)
	} else {
		svc, err = broker.NewService(broker.Config{
			URL:                  *url,
			PingURL:              *pingURL,
			DataPath:             *dataPath,
			ComputerTitle:        *title,
			AccountName:          *account,
			RegistrationPassword: *password,
			LoggerFactory:        factory,
		}, nil)
	}
	if err != nil {
		log.Fatalf("Failed to create broker: %v", err)
	}

	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		if err := svc.Stop(); err != nil {
			log.Fatalf("Shutdown error: %v", err)
		}
	case <-svc.Done():
	}
}
