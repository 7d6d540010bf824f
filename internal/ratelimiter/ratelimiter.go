// Package ratelimiter implements the composable, named rate-limiter
// pipeline described for the audience-interaction broker's user message
// path: an ordered sequence of named limiters evaluated against shared
// state, where a single rejecting limiter blocks the whole check and a
// full pass commits every limiter's state update atomically.
//
// Grounded on the original Rust Ratelimiter/Limiter/TimeLimiter/ValueLimiter
// (obelisk/exhibit, src/ratelimiting/{mod,time,value}.rs): same keying
// scheme ("<name>-<identity>" for limiter-scoped data, "lmt-<identity>"
// for the last accepted message time), same rejection/acceptance message
// text, same replace-on-conflict semantics for Add.
package ratelimiter

import (
	"fmt"
	"sync"
	"time"
)

// Message is the subset of an incoming user message a limiter may need.
// Size is non-nil only for messages that carry an emoji size class
// (currently EmojiMessage); limiters that don't care about it ignore it.
type Message struct {
	Size *int
}

// StateUpdate is a limiter-scoped value to persist after a fully-allowed
// check. Key is combined with the limiter's name to form the storage key.
type StateUpdate struct {
	Key   string
	Value uint64
}

// StateReader exposes committed limiter-scoped state to a Limiter's
// Evaluate call. It is only valid for the duration of that call.
type StateReader interface {
	LimiterValue(name, identity string) (uint64, bool)
}

// Limiter is a single named rule in the pipeline. Evaluate returns the
// client-facing message and an optional state update on success, or a
// non-nil error on rejection. Check does not report the error's text;
// only the rejecting limiter's name reaches the caller.
type Limiter interface {
	Evaluate(lastMessageTime, currentTime int64, name string, state StateReader, identity string, msg Message) (clientMessage string, update *StateUpdate, err error)
}

// Response is the outcome of a Check call.
type Response struct {
	Blocked string            // limiter name that rejected; "" if allowed
	Allowed map[string]string // per-limiter client message; nil if blocked
}

func (r Response) IsBlocked() bool { return r.Blocked != "" }

// Pipeline is the ordered, concurrency-safe collection of named limiters
// plus their shared state. The zero value is not usable; use New.
type Pipeline struct {
	mu          sync.Mutex
	order       []string
	limiters    map[string]Limiter
	limiterData map[string]uint64
	globalData  map[string]int64
}

// New returns a pipeline seeded with the default 15-second time limiter a
// freshly created presentation carries (spec §3 "rate_limiter").
func New() *Pipeline {
	p := &Pipeline{
		limiters:    map[string]Limiter{},
		limiterData: map[string]uint64{},
		globalData:  map[string]int64{},
	}
	p.Add("15s", NewTimeLimiter(15))
	return p
}

// Add installs a limiter under name, replacing any existing limiter with
// that name in place (same position in evaluation order).
func (p *Pipeline) Add(name string, limiter Limiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.limiters[name]; !exists {
		p.order = append(p.order, name)
	}
	p.limiters[name] = limiter
}

// Remove drops a limiter by name. A missing name is a no-op.
func (p *Pipeline) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.limiters[name]; !exists {
		return
	}
	delete(p.limiters, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// LimiterValue implements StateReader. Only safe to call from within a
// Limiter.Evaluate invocation made by Check, which already holds p.mu.
func (p *Pipeline) LimiterValue(name, identity string) (uint64, bool) {
	v, ok := p.limiterData[name+"-"+identity]
	return v, ok
}

// Check runs every limiter in order against the current wall clock. A
// rejecting limiter aborts the whole check with no state change; a full
// pass commits every limiter's update plus the global last-message-time
// in the same critical section that read it.
func (p *Pipeline) Check(identity string, msg Message) Response {
	p.mu.Lock()
	defer p.mu.Unlock()

	currentTime := time.Now().Unix()
	lastMessageTime := p.globalData["lmt-"+identity]

	clientMessages := make(map[string]string, len(p.order))
	type pendingUpdate struct {
		key   string
		value uint64
	}
	var pending []pendingUpdate

	for _, name := range p.order {
		limiter := p.limiters[name]
		clientMessage, update, err := limiter.Evaluate(lastMessageTime, currentTime, name, p, identity, msg)
		if err != nil {
			return Response{Blocked: name}
		}
		clientMessages[name] = clientMessage
		if update != nil {
			pending = append(pending, pendingUpdate{key: name + "-" + update.Key, value: update.Value})
		}
	}

	for _, u := range pending {
		p.limiterData[u.key] = u.value
	}
	p.globalData["lmt-"+identity] = currentTime

	return Response{Allowed: clientMessages}
}

// TimeLimiter rejects messages sent sooner than IntervalSeconds after the
// identity's last accepted message.
type TimeLimiter struct {
	IntervalSeconds int64
}

func NewTimeLimiter(intervalSeconds int64) *TimeLimiter {
	return &TimeLimiter{IntervalSeconds: intervalSeconds}
}

func (t *TimeLimiter) Evaluate(lastMessageTime, currentTime int64, _ string, _ StateReader, _ string, _ Message) (string, *StateUpdate, error) {
	if lastMessageTime > currentTime {
		return "", nil, fmt.Errorf("Try again shortly.")
	}
	if currentTime-lastMessageTime < t.IntervalSeconds {
		remaining := t.IntervalSeconds - (currentTime - lastMessageTime)
		return "", nil, fmt.Errorf("Try again in %d seconds", remaining)
	}
	return fmt.Sprintf("Next send allowed: %d", currentTime+t.IntervalSeconds), nil, nil
}

// ValueLimiter charges a message a cost based on its size class and
// rejects once the identity's regenerating point balance is exhausted.
type ValueLimiter struct {
	SmallCost   uint64
	LargeCost   uint64
	HugeCost    uint64
	PointsPer10 uint64
	MaxPoints   uint64
}

func NewValueLimiter(smallCost, largeCost, hugeCost, pointsPer10, maxPoints uint64) *ValueLimiter {
	return &ValueLimiter{
		SmallCost:   smallCost,
		LargeCost:   largeCost,
		HugeCost:    hugeCost,
		PointsPer10: pointsPer10,
		MaxPoints:   maxPoints,
	}
}

func (v *ValueLimiter) Evaluate(lastMessageTime, currentTime int64, name string, state StateReader, identity string, msg Message) (string, *StateUpdate, error) {
	if msg.Size == nil {
		return "", nil, fmt.Errorf("%s sent a message with no size for a value limiter", identity)
	}

	var cost uint64
	switch *msg.Size {
	case 0:
		cost = v.SmallCost
	case 1:
		cost = v.LargeCost
	case 2:
		cost = v.HugeCost
	default:
		return "", nil, fmt.Errorf("%s sent emoji with invalid size: %d", identity, *msg.Size)
	}

	existingBalance, ok := state.LimiterValue(name, identity)
	if !ok {
		existingBalance = v.MaxPoints
	}

	regenPeriods := uint64(0)
	if currentTime > lastMessageTime {
		regenPeriods = uint64(currentTime-lastMessageTime) / 10
	}
	newBalance := existingBalance + regenPeriods*v.PointsPer10
	if newBalance > v.MaxPoints {
		newBalance = v.MaxPoints
	}

	if cost > newBalance {
		return "", nil, fmt.Errorf("Emoji too expensive")
	}

	remaining := newBalance - cost
	return fmt.Sprintf("You have %d remaining points", remaining), &StateUpdate{Key: identity, Value: remaining}, nil
}
