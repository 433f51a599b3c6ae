package broker

import (
	"github.com/google/uuid"
	"github.com/imkiwa/landscape-client/pkg/future"
)

// RegisteredClient is the capability set a client plugin exposes back to
// the broker once connected: inbound message delivery, event fan-out, and
// shutdown. Anything implementing these three methods can register —
// in-process plugins and remote IPC proxies alike.
type RegisteredClient interface {
	// Message delivers an inbound server message. The Future resolves
	// with true if the client handled it, false if it declined.
	Message(msg map[string]interface{}) *future.Future
	// FireEvent delivers a broker event. The Future resolves with the
	// client's handler return values.
	FireEvent(name string, args ...interface{}) *future.Future
	// Exit asks the client to shut down.
	Exit() *future.Future
}

// ClientConnector creates the connection to one named client plugin. The
// connector registry maps plugin names to these; RegisterClient invokes
// Connect and records the resulting handle.
type ClientConnector interface {
	Connect() (RegisteredClient, error)
}

// ClientRecord is one registered client: its name, the handle identifier
// assigned at registration, and the connected capability set.
type ClientRecord struct {
	Name   string
	Handle string
	Client RegisteredClient
}

func newClientRecord(name string, client RegisteredClient) *ClientRecord {
	return &ClientRecord{Name: name, Handle: uuid.NewString(), Client: client}
}
