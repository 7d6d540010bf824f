// Package poll implements the per-presentation poll engine: poll
// creation, idempotent per-identity voting, and tallying.
//
// Grounded on the original Rust Polls/Poll (obelisk/exhibit,
// src/presentation/poll.rs): same conflict/rejection message text, same
// reserved-but-declarable SingleValue/MultipleValue variants that must
// parse but always reject a vote.
package poll

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/obelisk-exhibit/broker/internal/wire"
)

// Poll is a single named poll: its immutable declaration plus mutable
// vote/tally state, each guarded by its own lock so concurrent polls
// never contend with one another.
type Poll struct {
	mu sync.RWMutex

	name             string
	options          []string
	choices          map[string]struct{}
	declaredVoteType wire.VoteType

	votes  map[string]wire.VoteType
	totals map[string]uint64
}

func newPoll(name string, options []string, voteType wire.VoteType) *Poll {
	choices := make(map[string]struct{}, len(options))
	for _, o := range options {
		choices[o] = struct{}{}
	}
	return &Poll{
		name:             name,
		options:          append([]string(nil), options...),
		choices:          choices,
		declaredVoteType: voteType,
		votes:            map[string]wire.VoteType{},
		totals:           map[string]uint64{},
	}
}

// Definition returns the poll's declaration, suitable for broadcasting
// or re-echoing to clients.
func (p *Poll) Definition() wire.NewPollMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return wire.NewPollMessage{
		Name:     p.name,
		Options:  append([]string(nil), p.options...),
		VoteType: p.declaredVoteType,
	}
}

// Totals returns a snapshot of choice -> vote count.
func (p *Poll) Totals() map[string]uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]uint64, len(p.totals))
	for k, v := range p.totals {
		out[k] = v
	}
	return out
}

// vote records identity's ballot. It enforces, in order: at-most-once
// per identity, variant match against the poll's declared vote type,
// and (for binary variants) that every referenced choice was declared.
// SingleValue/MultipleValue are declarable but always rejected here —
// they are reserved, not yet implemented.
func (p *Poll) vote(identity string, voteType wire.VoteType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rejected := fmt.Errorf("%s could not vote in %s", identity, p.name)

	if _, already := p.votes[identity]; already {
		slog.Warn("poll: duplicate vote rejected", "identity", identity, "poll", p.name)
		return rejected
	}
	if voteType.Variant() != p.declaredVoteType.Variant() {
		slog.Warn("poll: vote type mismatch rejected", "identity", identity, "poll", p.name, "got", voteType.Variant(), "want", p.declaredVoteType.Variant())
		return rejected
	}

	switch {
	case voteType.SingleBinary != nil:
		choice := voteType.SingleBinary.Choice
		if _, ok := p.choices[choice]; !ok {
			slog.Warn("poll: undeclared choice rejected", "identity", identity, "poll", p.name, "choice", choice)
			return rejected
		}
		p.votes[identity] = voteType
		p.totals[choice]++
		return nil

	case voteType.MultipleBinary != nil:
		for choice := range voteType.MultipleBinary.Choices {
			if _, ok := p.choices[choice]; !ok {
				slog.Warn("poll: undeclared choice rejected", "identity", identity, "poll", p.name, "choice", choice)
				return rejected
			}
		}
		p.votes[identity] = voteType
		for choice, checked := range voteType.MultipleBinary.Choices {
			if checked {
				p.totals[choice]++
			}
		}
		return nil

	default:
		// SingleValue, MultipleValue: reserved, reject cleanly.
		slog.Warn("poll: reserved vote variant rejected", "identity", identity, "poll", p.name)
		return rejected
	}
}

// Engine is the per-presentation collection of polls, keyed by name.
// Polls are never deleted once created.
type Engine struct {
	mu    sync.RWMutex
	polls map[string]*Poll
}

func NewEngine() *Engine {
	return &Engine{polls: map[string]*Poll{}}
}

// NewPoll installs a poll under name. If name is already taken, the
// existing poll is returned alongside the conflict error so the caller
// can echo its Definition to clients.
func (e *Engine) NewPoll(name string, options []string, voteType wire.VoteType) (*Poll, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.polls[name]; ok {
		return existing, fmt.Errorf("Poll with name %s already exists", name)
	}

	p := newPoll(name, options, voteType)
	e.polls[name] = p
	return p, nil
}

// Get returns the named poll, if any.
func (e *Engine) Get(name string) (*Poll, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.polls[name]
	return p, ok
}

// Vote casts identity's ballot in the named poll.
func (e *Engine) Vote(identity, pollName string, voteType wire.VoteType) error {
	e.mu.RLock()
	p, ok := e.polls[pollName]
	e.mu.RUnlock()
	if !ok {
		slog.Warn("poll: vote against unknown poll rejected", "identity", identity, "poll", pollName)
		return fmt.Errorf("No poll with name %s exists", pollName)
	}
	return p.vote(identity, voteType)
}

// Totals returns a snapshot of the named poll's tallies.
func (e *Engine) Totals(name string) (map[string]uint64, bool) {
	e.mu.RLock()
	p, ok := e.polls[name]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.Totals(), true
}
