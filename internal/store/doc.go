package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/darshan-rambhia/petrowatch/internal/model"
)

// document is the whole dataset of a DocStore.
type document struct {
	Orgs         map[string]model.Org             `json:"orgs"`
	Users        map[string]docUser               `json:"users"`
	Sites        map[string]model.Site            `json:"sites"`
	Integrations map[string]model.SiteIntegration `json:"integrations"`
	Tanks        map[string]model.Tank            `json:"tanks"`
	Pumps        map[string]model.Pump            `json:"pumps"`
	PumpSides    map[string]model.PumpSide        `json:"pumpSides"`
	Connections  map[string]model.ConnectionStatus `json:"connections"`
	Layouts      map[string]model.Layout          `json:"layouts"`
	Alarms       map[string]model.AlarmEvent      `json:"alarms"`
	Measurements map[string]model.TankMeasurement `json:"measurements"`
	Audit        []model.AuditEntry               `json:"audit"`
}

// docUser keeps the password hash, which model.User never serializes.
type docUser struct {
	User         model.User `json:"user"`
	PasswordHash string     `json:"passwordHash"`
}

func newDocument() *document {
	d := &document{}
	d.ensure()
	return d
}

func (d *document) ensure() {
	if d.Orgs == nil {
		d.Orgs = map[string]model.Org{}
	}
	if d.Users == nil {
		d.Users = map[string]docUser{}
	}
	if d.Sites == nil {
		d.Sites = map[string]model.Site{}
	}
	if d.Integrations == nil {
		d.Integrations = map[string]model.SiteIntegration{}
	}
	if d.Tanks == nil {
		d.Tanks = map[string]model.Tank{}
	}
	if d.Pumps == nil {
		d.Pumps = map[string]model.Pump{}
	}
	if d.PumpSides == nil {
		d.PumpSides = map[string]model.PumpSide{}
	}
	if d.Connections == nil {
		d.Connections = map[string]model.ConnectionStatus{}
	}
	if d.Layouts == nil {
		d.Layouts = map[string]model.Layout{}
	}
	if d.Alarms == nil {
		d.Alarms = map[string]model.AlarmEvent{}
	}
	if d.Measurements == nil {
		d.Measurements = map[string]model.TankMeasurement{}
	}
}

func (d *document) clone() (*document, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var c document
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	c.ensure()
	return &c, nil
}

// DocStore keeps the dataset as one JSON document, in memory or on disk.
// A Write works on a private copy that replaces the live document only
// after fn succeeds and the file, if any, has been rewritten.
type DocStore struct {
	path string

	mu  sync.RWMutex
	doc *document
}

// NewDocStore returns a document store persisted at path. An empty path
// keeps the data in memory only.
func NewDocStore(path string) *DocStore {
	return &DocStore{path: path, doc: newDocument()}
}

// Backend returns "json" for file-backed stores and "memory" otherwise.
func (s *DocStore) Backend() string {
	if s.path == "" {
		return "memory"
	}
	return "json"
}

// Init loads the document from disk, creating the file if it is missing.
func (s *DocStore) Init(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("%w: creating data dir: %v", model.ErrUnavailable, err)
		}
		return s.persist(s.doc)
	}
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", model.ErrUnavailable, s.path, err)
	}
	var d document
	if err := json.Unmarshal(b, &d); err != nil {
		return fmt.Errorf("decoding %s: %w", s.path, err)
	}
	d.ensure()
	s.doc = &d
	return nil
}

// Ping always succeeds once the process is running.
func (s *DocStore) Ping(context.Context) error { return nil }

// Close is a no-op; every Write is already on disk.
func (s *DocStore) Close() error { return nil }

// Read runs fn against the live document under a shared lock.
func (s *DocStore) Read(ctx context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&docTx{doc: s.doc, readOnly: true})
}

// Write runs fn against a copy and swaps it in when fn succeeds.
func (s *DocStore) Write(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work, err := s.doc.clone()
	if err != nil {
		return err
	}
	if err := fn(&docTx{doc: work}); err != nil {
		return err
	}
	if err := s.persist(work); err != nil {
		return err
	}
	s.doc = work
	return nil
}

func (s *DocStore) persist(d *document) error {
	if s.path == "" {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".petrowatch-*.json")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", model.ErrUnavailable, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing document: %v", model.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing document: %v", model.ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("%w: replacing document: %v", model.ErrUnavailable, err)
	}
	return nil
}
