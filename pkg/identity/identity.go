// Package identity holds the tuple that authenticates this host to the
// server: computer-title, account-name, registration-password, and the
// secure/insecure ids issued once registration succeeds.
package identity

import (
	"sync"

	"github.com/imkiwa/landscape-client/pkg/persist"
)

// Config seeds an Identity from the broker's configuration file.
type Config struct {
	ComputerTitle        string
	AccountName          string
	RegistrationPassword string
}

// Identity is the {secure_id, insecure_id, computer_title, account_name,
// registration_password} tuple. A present secure_id marks the host as
// registered. Changes to the issued ids are flushed to Persist
// immediately; the configured title/account/password are held in memory
// only.
type Identity struct {
	mu      sync.RWMutex
	persist *persist.Persist
	cfg     Config
}

// New loads any previously persisted secure/insecure id under the
// "identity" namespace and combines it with the configured
// title/account/password.
func New(p *persist.Persist, cfg Config) *Identity {
	return &Identity{persist: p, cfg: cfg}
}

// ComputerTitle returns the configured computer title.
func (i *Identity) ComputerTitle() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg.ComputerTitle
}

// AccountName returns the configured account name.
func (i *Identity) AccountName() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg.AccountName
}

// RegistrationPassword returns the configured registration password, which
// may be empty.
func (i *Identity) RegistrationPassword() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg.RegistrationPassword
}

// Reconfigure replaces the configured title/account/password tuple, used
// when the daemon's configuration file is reloaded. Issued ids are
// untouched.
func (i *Identity) Reconfigure(cfg Config) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cfg = cfg
}

// SecureID returns the authenticated id issued by the server at
// registration, and whether one is present. An empty stored value counts
// as absent.
func (i *Identity) SecureID() (string, bool) {
	s, ok := i.persist.GetString("identity.secure-id")
	return s, ok && s != ""
}

// InsecureID returns the unauthenticated id issued alongside the secure id,
// and whether one is present.
func (i *Identity) InsecureID() (string, bool) {
	s, ok := i.persist.GetString("identity.insecure-id")
	return s, ok && s != ""
}

// IsRegistered reports whether a secure id is present.
func (i *Identity) IsRegistered() bool {
	_, ok := i.SecureID()
	return ok
}

// SetIDs persists the secure and insecure ids issued by a successful
// registration (the "set-id" inbound message).
func (i *Identity) SetIDs(secureID, insecureID string) error {
	if err := i.persist.Set("identity.secure-id", secureID); err != nil {
		return err
	}
	if err := i.persist.Set("identity.insecure-id", insecureID); err != nil {
		return err
	}
	return i.persist.Save()
}

// ClearSecureID drops the secure id, used when the server reports
// "unknown-id" so the broker re-registers from scratch.
func (i *Identity) ClearSecureID() error {
	i.persist.Remove("identity.secure-id")
	return i.persist.Save()
}

// CanAttemptRegistration reports whether enough configuration is present
// to attempt the registration handshake (computer-title and account-name
// are both set) and registration has not already succeeded.
func (i *Identity) CanAttemptRegistration() bool {
	if i.IsRegistered() {
		return false
	}
	return i.ComputerTitle() != "" && i.AccountName() != ""
}
