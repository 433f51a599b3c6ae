package store

import (
	"sort"
	"sync"
	"time"

	"github.com/imkiwa/landscape-client/pkg/persist"
	"github.com/imkiwa/landscape-client/pkg/reactor"
	"github.com/pion/logging"
	"golang.org/x/crypto/blake2b"
)

// DefaultMaxPending is the default pending-window bound: the most
// records one exchange round will package.
const DefaultMaxPending = 100

// DefaultAPIVersion is the message-schema version stamped into added
// messages that don't carry one.
const DefaultAPIVersion = "3.3"

// DefaultMaxPayloadBytes bounds how much a single packaged exchange
// payload may weigh, independent of message count, so one oversized
// message cannot block the rest of the window behind it indefinitely.
const DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

// Record is a single queued outbound message.
type Record struct {
	// Seq is this record's dense, persistent, never-reused sequence
	// number.
	Seq uint64
	// Payload is the opaque message body, carrying at least "type" plus
	// the "api" and "timestamp" fields stamped in by Add.
	Payload map[string]interface{}
	// HoldUntilTypeAccepted is re-derived whenever the accepted-types set
	// changes; true means this record's type is not currently in the
	// accepted set and it will be skipped during packaging.
	HoldUntilTypeAccepted bool
}

func (r *Record) clone() *Record {
	payload := make(map[string]interface{}, len(r.Payload))
	for k, v := range r.Payload {
		payload[k] = v
	}
	return &Record{Seq: r.Seq, Payload: payload, HoldUntilTypeAccepted: r.HoldUntilTypeAccepted}
}

func (r *Record) messageType() string {
	if t, ok := r.Payload["type"].(string); ok {
		return t
	}
	return ""
}

// Config configures a new Store.
type Config struct {
	Persist         *persist.Persist
	Reactor         *reactor.Reactor
	MaxPending      int
	MaxPayloadBytes int
	// APIVersion is stamped into each added message's "api" field when
	// the producer didn't set one. Defaults to DefaultAPIVersion.
	APIVersion    string
	LoggerFactory logging.LoggerFactory
}

// Store is the durable, totally-ordered outbound message queue. All
// methods are safe for concurrent use; state is kept under a single
// mutex and persisted through Config.Persist on every mutation.
type Store struct {
	mu sync.Mutex

	persist *persist.Persist
	reactor *reactor.Reactor
	log     logging.LeveledLogger

	maxPending      int
	maxPayloadBytes int
	apiVersion      string

	records        []*Record // dense, ordered by Seq ascending
	nextSeq        uint64
	clientSequence uint64 // highest outbound seq the server has acked
	serverSequence uint64 // highest inbound seq handed to local handlers
	serverUUID     string

	acceptedTypes  map[string]struct{}
	everAccepted   bool // true once SetAcceptedTypes has been called at least once
	pendingOffset  uint64
}

// New constructs a Store, loading any previously persisted queue state
// from cfg.Persist. If cfg.Persist is nil, the store is purely in-memory
// (useful for tests).
func New(cfg Config) (*Store, error) {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	var log logging.LeveledLogger
	if cfg.LoggerFactory != nil {
		log = cfg.LoggerFactory.NewLogger("store")
	} else {
		log = logging.NewDefaultLoggerFactory().NewLogger("store")
	}

	s := &Store{
		persist:         cfg.Persist,
		reactor:         cfg.Reactor,
		log:             log,
		maxPending:      cfg.MaxPending,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		apiVersion:      cfg.APIVersion,
		acceptedTypes:   make(map[string]struct{}),
		// Sequence numbers are 1-based so a zero client_sequence means
		// the server has acked nothing yet.
		nextSeq: 1,
	}

	if cfg.Persist != nil {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	if n, ok := s.persist.GetUint64("message-store.next-seq"); ok {
		s.nextSeq = n
	}
	if n, ok := s.persist.GetUint64("message-store.client-sequence"); ok {
		s.clientSequence = n
		s.pendingOffset = n
	}
	if n, ok := s.persist.GetUint64("message-store.server-sequence"); ok {
		s.serverSequence = n
	}
	if u, ok := s.persist.GetString("message-store.server-uuid"); ok {
		s.serverUUID = u
	}

	if raw, ok := s.persist.Get("message-store.accepted-types"); ok {
		if list, ok := raw.([]interface{}); ok {
			for _, v := range list {
				if t, ok := v.(string); ok {
					s.acceptedTypes[t] = struct{}{}
				}
			}
			s.everAccepted = true
		}
	}

	if raw, ok := s.persist.Get("message-store.records"); ok {
		if list, ok := raw.([]interface{}); ok {
			for _, v := range list {
				rec, ok := v.(map[string]interface{})
				if !ok {
					continue
				}
				seq, _ := toUint64(rec["seq"])
				payload, _ := rec["payload"].(map[string]interface{})
				if payload == nil {
					payload = make(map[string]interface{})
				}
				s.records = append(s.records, &Record{Seq: seq, Payload: payload})
			}
			sort.Slice(s.records, func(i, j int) bool { return s.records[i].Seq < s.records[j].Seq })
		}
	}

	s.recomputeHolds()
	return nil
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

// save serializes queue state to Persist. Callers must hold s.mu.
func (s *Store) save() error {
	if s.persist == nil {
		return nil
	}

	records := make([]interface{}, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, map[string]interface{}{
			"seq":     r.Seq,
			"payload": r.Payload,
		})
	}
	types := make([]interface{}, 0, len(s.acceptedTypes))
	for t := range s.acceptedTypes {
		types = append(types, t)
	}

	s.persist.Set("message-store.next-seq", s.nextSeq)
	s.persist.Set("message-store.client-sequence", s.clientSequence)
	s.persist.Set("message-store.server-sequence", s.serverSequence)
	s.persist.Set("message-store.server-uuid", s.serverUUID)
	s.persist.Set("message-store.accepted-types", types)
	s.persist.Set("message-store.records", records)

	return s.persist.Save()
}

// Add assigns the next sequence number to payload, persists it, and
// returns the assigned seq. payload must carry a "type" field; "api" and
// "timestamp" are stamped in when the producer didn't set them.
func (s *Store) Add(payload map[string]interface{}) (uint64, error) {
	if _, ok := payload["type"].(string); !ok {
		return 0, ErrMissingType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	s.nextSeq++

	cloned := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		cloned[k] = v
	}
	if _, ok := cloned["api"]; !ok {
		cloned["api"] = s.apiVersion
	}
	if _, ok := cloned["timestamp"]; !ok {
		cloned["timestamp"] = float64(time.Now().Unix())
	}
	rec := &Record{Seq: seq, Payload: cloned}
	rec.HoldUntilTypeAccepted = s.isHeld(rec)
	s.records = append(s.records, rec)

	if err := s.save(); err != nil {
		return 0, err
	}
	return seq, nil
}

// isHeld reports whether rec's type should be withheld from packaging
// given the current accepted-types set. Callers must hold s.mu.
func (s *Store) isHeld(rec *Record) bool {
	if !s.everAccepted {
		// Bootstrap exemption: before the server has ever told us what
		// it accepts, everything goes out so it can learn us.
		return false
	}
	_, accepted := s.acceptedTypes[rec.messageType()]
	return !accepted
}

func (s *Store) recomputeHolds() {
	for _, r := range s.records {
		r.HoldUntilTypeAccepted = s.isHeld(r)
	}
}

// GetPendingMessages returns up to max records with seq > client_sequence,
// oldest first, skipping any currently held for type-acceptance reasons.
// It does not mutate queue state.
func (s *Store) GetPendingMessages(max int) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	var payloadBytes int
	for _, r := range s.records {
		if r.Seq <= s.clientSequence {
			continue
		}
		if s.isHeld(r) {
			continue
		}
		size := estimateSize(r.Payload)
		if len(out) > 0 && payloadBytes+size > s.maxPayloadBytes {
			break
		}
		out = append(out, r.clone())
		payloadBytes += size
		if len(out) >= max {
			break
		}
	}
	return out
}

func estimateSize(payload map[string]interface{}) int {
	n := 0
	for k, v := range payload {
		n += len(k) + 16
		if s, ok := v.(string); ok {
			n += len(s)
		}
	}
	return n
}

// SetPendingOffset advances the in-memory cursor marking messages handed
// to the transport for the in-flight round, without deleting them. On
// exchange failure, callers rewind the offset back to ClientSequence so
// the next round resends.
func (s *Store) SetPendingOffset(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOffset = seq
}

// PendingOffset returns the current pending-offset cursor.
func (s *Store) PendingOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingOffset
}

// Acknowledge advances client_sequence to newClientSequence (the server's
// echoed "next-expected-sequence" minus one) and deletes everything at or
// below it. This is the success path of an exchange round.
func (s *Store) Acknowledge(newClientSequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newClientSequence > s.clientSequence {
		s.clientSequence = newClientSequence
	}
	s.pendingOffset = s.clientSequence
	s.deleteOldMessagesLocked()
	return s.save()
}

// DeleteOldMessages drops every record with seq <= client_sequence.
// Acknowledge performs the same deletion itself; the exchange layer calls
// Acknowledge before dispatching inbound messages, so handler-triggered
// enqueues land above the new client_sequence.
func (s *Store) DeleteOldMessages() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteOldMessagesLocked()
	return s.save()
}

func (s *Store) deleteOldMessagesLocked() {
	kept := s.records[:0]
	for _, r := range s.records {
		if r.Seq > s.clientSequence {
			kept = append(kept, r)
		}
	}
	s.records = kept
}

// RewindPendingOffset resets the pending-offset cursor to client_sequence,
// used when an exchange round fails so the next round resends the same
// window.
func (s *Store) RewindPendingOffset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOffset = s.clientSequence
}

// SetAcceptedTypes replaces the server's currently advertised
// accepted-types set, firing a tagged "message-type-acceptance-changed"
// event per type whose membership changed.
func (s *Store) SetAcceptedTypes(types []string) error {
	s.mu.Lock()

	next := make(map[string]struct{}, len(types))
	for _, t := range types {
		next[t] = struct{}{}
	}

	var changes []struct {
		typ      string
		accepted bool
	}
	for t := range s.acceptedTypes {
		if _, still := next[t]; !still {
			changes = append(changes, struct {
				typ      string
				accepted bool
			}{t, false})
		}
	}
	for t := range next {
		if _, had := s.acceptedTypes[t]; !had {
			changes = append(changes, struct {
				typ      string
				accepted bool
			}{t, true})
		}
	}

	s.acceptedTypes = next
	s.everAccepted = true
	s.recomputeHolds()
	err := s.save()
	s.mu.Unlock()

	if s.reactor != nil {
		for _, c := range changes {
			s.reactor.FireTagged("message-type-acceptance-changed", c.typ, c.accepted)
			s.reactor.Fire("message-type-acceptance-changed", c.typ, c.accepted)
		}
	}
	return err
}

// AcceptedTypes returns the server's currently advertised accepted-types
// set, sorted.
func (s *Store) AcceptedTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.acceptedTypes))
	for t := range s.acceptedTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AcceptedTypesDigest returns a blake2b-256 digest over the sorted
// server-advertised accepted-types set. The exchange payload's
// "accepted-types-digest" field is not taken from here: pkg/exchange
// computes it over the client accepted types it sends.
func (s *Store) AcceptedTypesDigest() []byte {
	types := s.AcceptedTypes()
	h, _ := blake2b.New256(nil)
	for _, t := range types {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// SetServerUUID records the server's identity UUID, returning the previous
// value and whether it changed. Callers fire "server-uuid-changed" on
// change.
func (s *Store) SetServerUUID(uuid string) (old string, changed bool, err error) {
	s.mu.Lock()
	old = s.serverUUID
	changed = old != uuid && uuid != ""
	if changed {
		s.serverUUID = uuid
	}
	saveErr := s.save()
	s.mu.Unlock()
	return old, changed, saveErr
}

// ServerUUID returns the last known server UUID, if any.
func (s *Store) ServerUUID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverUUID, s.serverUUID != ""
}

// SetServerSequence records the highest inbound message number
// acknowledged to the server.
func (s *Store) SetServerSequence(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverSequence = n
	return s.save()
}

// ServerSequence returns the highest inbound message number acknowledged
// to the server.
func (s *Store) ServerSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverSequence
}

// ClientSequence returns the highest outbound seq the server has acked.
func (s *Store) ClientSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientSequence
}

// NextSeq returns the seq that will be assigned to the next Add call.
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// IsMessagePending reports whether seq has been assigned but not yet
// acknowledged by the server.
func (s *Store) IsMessagePending(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq > s.clientSequence && seq < s.nextSeq
}

// HasUnsentAcceptedMessages reports whether any record with an accepted
// type still sits above client_sequence — used by the exchange layer to
// decide whether to reschedule urgently after a round completes.
func (s *Store) HasUnsentAcceptedMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Seq > s.clientSequence && !s.isHeld(r) {
			return true
		}
	}
	return false
}
