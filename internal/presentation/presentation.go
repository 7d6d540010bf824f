// Package presentation implements the tenant aggregate (C4): a live
// presentation's identity, slide state, connected users/presenters,
// poll engine, and rate-limiter pipeline, plus the process-wide store
// that creates presentations exactly once per id.
//
// Grounded on obelisk/exhibit's presentation/mod.rs Presentation struct:
// public id/presenter_identity/authentication_key/encrypted/users/
// presenters/ratelimiter fields, with title and polls kept behind
// accessors (the original's private presentation_data holding exactly
// those two), and slide_settings behind a reader-writer lock.
package presentation

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/obelisk-exhibit/broker/internal/poll"
	"github.com/obelisk-exhibit/broker/internal/ratelimiter"
	"github.com/obelisk-exhibit/broker/internal/users"
	"github.com/obelisk-exhibit/broker/internal/wire"
)

// Presentation is a single live session: one presenter identity, many
// users, one slide stream, one poll engine, one rate-limiter pipeline.
type Presentation struct {
	ID                string
	PresenterIdentity string
	AuthenticationKey *ecdsa.PublicKey
	Encrypted         bool

	Users       *users.Registry
	Presenters  *users.Presenters
	RateLimiter *ratelimiter.Pipeline

	title string
	polls *poll.Engine

	slideMu       sync.RWMutex
	slideSettings *wire.SlideSettings
}

// New constructs a presentation. Construction installs the default
// 15-second time limiter via ratelimiter.New.
func New(id, presenterIdentity, title string, authenticationKey *ecdsa.PublicKey, encrypted bool) *Presentation {
	return &Presentation{
		ID:                id,
		PresenterIdentity: presenterIdentity,
		AuthenticationKey: authenticationKey,
		Encrypted:         encrypted,
		Users:             users.NewRegistry(),
		Presenters:        users.NewPresenters(),
		RateLimiter:       ratelimiter.New(),
		title:             title,
		polls:             poll.NewEngine(),
	}
}

// Title returns the presentation's immutable title.
func (p *Presentation) Title() string { return p.title }

// Polls returns the poll engine for this presentation.
func (p *Presentation) Polls() *poll.Engine { return p.polls }

// SlideSettings returns a copy of the currently live slide settings, or
// nil before the first NewSlide message.
func (p *Presentation) SlideSettings() *wire.SlideSettings {
	p.slideMu.RLock()
	defer p.slideMu.RUnlock()
	if p.slideSettings == nil {
		return nil
	}
	cp := *p.slideSettings
	return &cp
}

// SetSlideSettings atomically overwrites the live slide settings. Only
// the presenter path may call this (enforced by the router, not here).
func (p *Presentation) SetSlideSettings(s wire.SlideSettings) {
	p.slideMu.Lock()
	defer p.slideMu.Unlock()
	p.slideSettings = &s
}

// Store is the process-wide presentation registry, keyed by id.
// Presentations are never removed: destruction only happens at process
// exit.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*Presentation
}

func NewStore() *Store {
	return &Store{byID: map[string]*Presentation{}}
}

// Create installs p under p.ID. Returns an error if that id is already
// taken — ids are never reused.
func (s *Store) Create(p *Presentation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[p.ID]; exists {
		return fmt.Errorf("presentation %s already exists", p.ID)
	}
	s.byID[p.ID] = p
	return nil
}

// Get looks up a presentation by id.
func (s *Store) Get(id string) (*Presentation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// Len reports the number of live presentations (used by the health
// endpoint).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
