package persist

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/imkiwa/landscape-client/pkg/wireformat"
	"github.com/pion/logging"
)

// Persist is an atomic, file-backed tree of values addressed by
// dot-separated paths. A single Persist is owned exclusively by one
// broker process for the lifetime of the file; there is no inter-process
// locking.
type Persist struct {
	mu       sync.RWMutex
	filename string
	codec    wireformat.Codec
	log      logging.LeveledLogger
	root     map[string]interface{}
	dirty    bool
}

// Config configures a new Persist.
type Config struct {
	// Filename is the path to the snapshot file. Required for Save/Load.
	Filename string
	// Codec serializes the snapshot. Defaults to wireformat.Default().
	Codec wireformat.Codec
	// LoggerFactory builds the "persist"-scoped logger. Optional.
	LoggerFactory logging.LoggerFactory
}

// New creates an empty Persist ready for Set/Get. Call Load to populate it
// from an existing file, or Save to create one.
func New(cfg Config) *Persist {
	if cfg.Codec == nil {
		cfg.Codec = wireformat.Default()
	}
	var log logging.LeveledLogger
	if cfg.LoggerFactory != nil {
		log = cfg.LoggerFactory.NewLogger("persist")
	} else {
		log = logging.NewDefaultLoggerFactory().NewLogger("persist")
	}
	return &Persist{
		filename: cfg.Filename,
		codec:    cfg.Codec,
		log:      log,
		root:     make(map[string]interface{}),
	}
}

// Load reads the snapshot from disk, rebuilding the in-memory tree.
//
// If the primary file cannot be parsed, Load falls back to the
// "<filename>.old" sibling written by a prior Save. If neither can be
// parsed, Load logs the failure and starts from an empty tree rather than
// crashing the daemon.
func Load(cfg Config) (*Persist, error) {
	p := New(cfg)
	if p.filename == "" {
		return p, nil
	}

	data, err := os.ReadFile(p.filename)
	if err == nil {
		if perr := p.codec.Decode(data, &p.root); perr == nil {
			return p, nil
		} else {
			p.log.Warnf("corrupt persist file %s: %v; trying .old fallback", p.filename, perr)
		}
	} else if !os.IsNotExist(err) {
		p.log.Warnf("could not read persist file %s: %v; trying .old fallback", p.filename, err)
	}

	oldData, oerr := os.ReadFile(p.filename + ".old")
	if oerr == nil {
		if derr := p.codec.Decode(oldData, &p.root); derr == nil {
			p.log.Warnf("recovered persist state from %s.old", p.filename)
			return p, nil
		} else {
			p.log.Errorf("'.old' persist file is also corrupt: %v; starting empty", derr)
		}
	}

	p.root = make(map[string]interface{})
	return p, nil
}

// Save atomically writes the current tree to disk: it encodes to a sibling
// temp file, backs up the previous good snapshot to "<filename>.old", and
// renames the temp file into place. A crash at any point before the final
// rename leaves the previous snapshot intact; a crash after leaves the new
// one intact. There is never a torn file.
//
// A Persist created without a filename is purely in-memory and Save is a
// no-op.
func (p *Persist) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.filename == "" {
		return nil
	}

	data, err := p.codec.Encode(p.root)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.filename)
	tmp, err := os.CreateTemp(dir, filepath.Base(p.filename)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if _, err := os.Stat(p.filename); err == nil {
		// Best-effort backup; losing it never loses data, since the
		// primary snapshot is about to be replaced by tmpName anyway.
		_ = copyFile(p.filename, p.filename+".old")
	}

	if err := os.Rename(tmpName, p.filename); err != nil {
		os.Remove(tmpName)
		return err
	}

	p.dirty = false
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// Get returns the value at path, and whether it was present.
func (p *Persist) Get(path string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	node := interface{}(p.root)
	for _, seg := range splitPath(path) {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// GetString is a typed accessor returning "" if path is absent or not a
// string.
func (p *Persist) GetString(path string) (string, bool) {
	v, ok := p.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetUint64 is a typed accessor for unsigned integer values. Decoded JSON
// numbers surface as float64, so this also accepts that representation.
func (p *Persist) GetUint64(path string) (uint64, bool) {
	v, ok := p.Get(path)
	if !ok {
		return 0, false
	}
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

// Set stores value at path, creating intermediate map nodes as needed.
// Set marks the tree dirty; call Save to persist the change.
func (p *Persist) Set(path string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	segs := splitPath(path)
	node := p.root
	for i, seg := range segs {
		if i == len(segs)-1 {
			node[seg] = value
			break
		}
		child, exists := node[seg]
		if !exists {
			next := make(map[string]interface{})
			node[seg] = next
			node = next
			continue
		}
		next, ok := child.(map[string]interface{})
		if !ok {
			return ErrNotAMap
		}
		node = next
	}
	p.dirty = true
	return nil
}

// Remove deletes the value at path, if present. Removing a path that does
// not exist is a no-op.
func (p *Persist) Remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	segs := splitPath(path)
	node := p.root
	for i, seg := range segs {
		if i == len(segs)-1 {
			delete(node, seg)
			p.dirty = true
			return
		}
		child, exists := node[seg]
		if !exists {
			return
		}
		next, ok := child.(map[string]interface{})
		if !ok {
			return
		}
		node = next
	}
}

// Dirty reports whether the tree has unsaved mutations.
func (p *Persist) Dirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
