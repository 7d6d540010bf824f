// Package wire implements the broker's JSON message shapes.
//
// Every variant type below (IncomingMessage, VoteType, LimiterConfig,
// OutgoingUserMessage, OutgoingPresenterMessage, RatelimiterResponse) is
// serialized as a single-key JSON object whose key names the active
// variant, e.g. {"User":{"Emoji":{"emoji":"...","size":0}}}. Go has no
// native analog for this (unlike a tagged enum with derive(Serialize)),
// so each type carries one pointer field per variant and implements
// MarshalJSON/UnmarshalJSON by hand.
package wire

import (
	"encoding/json"
	"fmt"
)

// SlideSettings is the currently live slide's message and allowed emoji set.
type SlideSettings struct {
	Message string   `json:"message"`
	Emojis  []string `json:"emojis"`
}

// EmojiMessage is a user reaction, or its presenter-facing echo.
type EmojiMessage struct {
	Emoji string `json:"emoji"`
	Size  int    `json:"size"`
}

// --- VoteType -------------------------------------------------------------

// SingleBinaryVote records a single choice from a binary-style poll.
type SingleBinaryVote struct {
	Choice string `json:"choice"`
}

// MultipleBinaryVote records a yes/no per choice.
type MultipleBinaryVote struct {
	Choices map[string]bool `json:"choices"`
}

// SingleValueVote is reserved: declared but rejected on vote.
type SingleValueVote struct {
	Choice string `json:"choice"`
	Value  uint8  `json:"value"`
}

// MultipleValueVote is reserved: declared but rejected on vote.
type MultipleValueVote struct {
	Choices map[string]uint8 `json:"choices"`
}

// VoteType is the tagged union of poll vote shapes. Exactly one field
// should be non-nil.
type VoteType struct {
	SingleBinary   *SingleBinaryVote
	MultipleBinary *MultipleBinaryVote
	SingleValue    *SingleValueVote
	MultipleValue  *MultipleValueVote
}

// Variant returns the active variant's tag name, or "" if none is set.
func (v VoteType) Variant() string {
	switch {
	case v.SingleBinary != nil:
		return "SingleBinary"
	case v.MultipleBinary != nil:
		return "MultipleBinary"
	case v.SingleValue != nil:
		return "SingleValue"
	case v.MultipleValue != nil:
		return "MultipleValue"
	default:
		return ""
	}
}

func (v VoteType) MarshalJSON() ([]byte, error) {
	switch {
	case v.SingleBinary != nil:
		return marshalTagged("SingleBinary", v.SingleBinary)
	case v.MultipleBinary != nil:
		return marshalTagged("MultipleBinary", v.MultipleBinary)
	case v.SingleValue != nil:
		return marshalTagged("SingleValue", v.SingleValue)
	case v.MultipleValue != nil:
		return marshalTagged("MultipleValue", v.MultipleValue)
	default:
		return nil, fmt.Errorf("wire: VoteType has no variant set")
	}
}

func (v *VoteType) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return fmt.Errorf("wire: VoteType: %w", err)
	}
	switch tag {
	case "SingleBinary":
		v.SingleBinary = new(SingleBinaryVote)
		return json.Unmarshal(raw, v.SingleBinary)
	case "MultipleBinary":
		v.MultipleBinary = new(MultipleBinaryVote)
		return json.Unmarshal(raw, v.MultipleBinary)
	case "SingleValue":
		v.SingleValue = new(SingleValueVote)
		return json.Unmarshal(raw, v.SingleValue)
	case "MultipleValue":
		v.MultipleValue = new(MultipleValueVote)
		return json.Unmarshal(raw, v.MultipleValue)
	default:
		return fmt.Errorf("wire: VoteType: unknown variant %q", tag)
	}
}

// --- LimiterConfig ----------------------------------------------------------

// TimeLimiterConfig configures a minimum-interval limiter.
type TimeLimiterConfig struct {
	Interval int64 `json:"interval"`
}

// ValueLimiterConfig configures a point-budget limiter, mirroring
// ratelimiting::value::ValueLimiter's field names.
type ValueLimiterConfig struct {
	SmallCost   uint64 `json:"small_cost"`
	LargeCost   uint64 `json:"large_cost"`
	HugeCost    uint64 `json:"huge_cost"`
	PointsPer10 uint64 `json:"points_per_10"`
	MaxPoints   uint64 `json:"max_points"`
}

// LimiterConfig is the tagged union a presenter supplies to AddRatelimiter.
type LimiterConfig struct {
	Time  *TimeLimiterConfig
	Value *ValueLimiterConfig
}

func (l LimiterConfig) MarshalJSON() ([]byte, error) {
	switch {
	case l.Time != nil:
		return marshalTagged("Time", l.Time)
	case l.Value != nil:
		return marshalTagged("Value", l.Value)
	default:
		return nil, fmt.Errorf("wire: LimiterConfig has no variant set")
	}
}

func (l *LimiterConfig) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return fmt.Errorf("wire: LimiterConfig: %w", err)
	}
	switch tag {
	case "Time":
		l.Time = new(TimeLimiterConfig)
		return json.Unmarshal(raw, l.Time)
	case "Value":
		l.Value = new(ValueLimiterConfig)
		return json.Unmarshal(raw, l.Value)
	default:
		return fmt.Errorf("wire: LimiterConfig: unknown variant %q", tag)
	}
}

// --- Incoming messages ------------------------------------------------------

// VoteMessage is a user's cast ballot for a named poll.
type VoteMessage struct {
	PollName string   `json:"poll_name"`
	VoteType VoteType `json:"vote_type"`
}

// IncomingUserMessage is the tagged union of user-originated payloads.
type IncomingUserMessage struct {
	Emoji *EmojiMessage
	Vote  *VoteMessage
}

func (m IncomingUserMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Emoji != nil:
		return marshalTagged("Emoji", m.Emoji)
	case m.Vote != nil:
		return marshalTagged("Vote", m.Vote)
	default:
		return nil, fmt.Errorf("wire: IncomingUserMessage has no variant set")
	}
}

func (m *IncomingUserMessage) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return fmt.Errorf("wire: IncomingUserMessage: %w", err)
	}
	switch tag {
	case "Emoji":
		m.Emoji = new(EmojiMessage)
		return json.Unmarshal(raw, m.Emoji)
	case "Vote":
		m.Vote = new(VoteMessage)
		return json.Unmarshal(raw, m.Vote)
	default:
		return fmt.Errorf("wire: IncomingUserMessage: unknown variant %q", tag)
	}
}

// NewSlideMessage advances the live slide.
type NewSlideMessage struct {
	Slide         uint64        `json:"slide"`
	SlideSettings SlideSettings `json:"slide_settings"`
}

// NewPollMessage declares a poll, both as a presenter request and as the
// broadcast echoed to users.
type NewPollMessage struct {
	Name     string   `json:"name"`
	Options  []string `json:"options"`
	VoteType VoteType `json:"vote_type"`
}

// GetPollTotalsMessage requests a poll's current tallies.
type GetPollTotalsMessage struct {
	Name string `json:"name"`
}

// AddRatelimiterMessage installs or replaces a named limiter.
type AddRatelimiterMessage struct {
	Name    string        `json:"name"`
	Limiter LimiterConfig `json:"limiter"`
}

// RemoveRatelimiterMessage removes a named limiter.
type RemoveRatelimiterMessage struct {
	Name string `json:"name"`
}

// IncomingPresenterMessage is the tagged union of presenter-originated
// payloads.
type IncomingPresenterMessage struct {
	NewSlide          *NewSlideMessage
	NewPoll           *NewPollMessage
	GetPollTotals     *GetPollTotalsMessage
	AddRatelimiter    *AddRatelimiterMessage
	RemoveRatelimiter *RemoveRatelimiterMessage
}

func (m IncomingPresenterMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.NewSlide != nil:
		return marshalTagged("NewSlide", m.NewSlide)
	case m.NewPoll != nil:
		return marshalTagged("NewPoll", m.NewPoll)
	case m.GetPollTotals != nil:
		return marshalTagged("GetPollTotals", m.GetPollTotals)
	case m.AddRatelimiter != nil:
		return marshalTagged("AddRatelimiter", m.AddRatelimiter)
	case m.RemoveRatelimiter != nil:
		return marshalTagged("RemoveRatelimiter", m.RemoveRatelimiter)
	default:
		return nil, fmt.Errorf("wire: IncomingPresenterMessage has no variant set")
	}
}

func (m *IncomingPresenterMessage) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return fmt.Errorf("wire: IncomingPresenterMessage: %w", err)
	}
	switch tag {
	case "NewSlide":
		m.NewSlide = new(NewSlideMessage)
		return json.Unmarshal(raw, m.NewSlide)
	case "NewPoll":
		m.NewPoll = new(NewPollMessage)
		return json.Unmarshal(raw, m.NewPoll)
	case "GetPollTotals":
		m.GetPollTotals = new(GetPollTotalsMessage)
		return json.Unmarshal(raw, m.GetPollTotals)
	case "AddRatelimiter":
		m.AddRatelimiter = new(AddRatelimiterMessage)
		return json.Unmarshal(raw, m.AddRatelimiter)
	case "RemoveRatelimiter":
		m.RemoveRatelimiter = new(RemoveRatelimiterMessage)
		return json.Unmarshal(raw, m.RemoveRatelimiter)
	default:
		return fmt.Errorf("wire: IncomingPresenterMessage: unknown variant %q", tag)
	}
}

// IncomingMessage is the top-level tagged union received over a connection.
type IncomingMessage struct {
	Presenter *IncomingPresenterMessage
	User      *IncomingUserMessage
}

func (m IncomingMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Presenter != nil:
		return marshalTagged("Presenter", m.Presenter)
	case m.User != nil:
		return marshalTagged("User", m.User)
	default:
		return nil, fmt.Errorf("wire: IncomingMessage has no variant set")
	}
}

func (m *IncomingMessage) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return fmt.Errorf("wire: IncomingMessage: %w", err)
	}
	switch tag {
	case "Presenter":
		m.Presenter = new(IncomingPresenterMessage)
		return json.Unmarshal(raw, m.Presenter)
	case "User":
		m.User = new(IncomingUserMessage)
		return json.Unmarshal(raw, m.User)
	default:
		return fmt.Errorf("wire: IncomingMessage: unknown variant %q", tag)
	}
}

// --- RatelimiterResponse -----------------------------------------------------

// RatelimiterResponse is the per-check outcome sent back to the sending user.
type RatelimiterResponse struct {
	Allowed map[string]string
	Blocked *string
}

func (r RatelimiterResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Allowed != nil:
		return marshalTagged("Allowed", r.Allowed)
	case r.Blocked != nil:
		return marshalTagged("Blocked", *r.Blocked)
	default:
		return nil, fmt.Errorf("wire: RatelimiterResponse has no variant set")
	}
}

func (r *RatelimiterResponse) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return fmt.Errorf("wire: RatelimiterResponse: %w", err)
	}
	switch tag {
	case "Allowed":
		r.Allowed = map[string]string{}
		return json.Unmarshal(raw, &r.Allowed)
	case "Blocked":
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return err
		}
		r.Blocked = &name
		return nil
	default:
		return fmt.Errorf("wire: RatelimiterResponse: unknown variant %q", tag)
	}
}

// --- Outgoing to user ---------------------------------------------------------

// InitialPresentationData is sent to a user immediately on connect.
type InitialPresentationData struct {
	Title    string         `json:"title"`
	Settings *SlideSettings `json:"settings"`
}

// OutgoingUserMessage is the tagged union of server-to-user payloads.
type OutgoingUserMessage struct {
	InitialPresentationData *InitialPresentationData
	RatelimiterResponse     *RatelimiterResponse
	NewSlide                *SlideSettings
	NewPoll                 *NewPollMessage
	Success                 *string
	Error                   *string
	Disconnect              *string
}

func (m OutgoingUserMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.InitialPresentationData != nil:
		return marshalTagged("InitialPresentationData", m.InitialPresentationData)
	case m.RatelimiterResponse != nil:
		return marshalTagged("RatelimiterResponse", m.RatelimiterResponse)
	case m.NewSlide != nil:
		return marshalTagged("NewSlide", m.NewSlide)
	case m.NewPoll != nil:
		return marshalTagged("NewPoll", m.NewPoll)
	case m.Success != nil:
		return marshalTagged("Success", *m.Success)
	case m.Error != nil:
		return marshalTagged("Error", *m.Error)
	case m.Disconnect != nil:
		return marshalTagged("Disconnect", *m.Disconnect)
	default:
		return nil, fmt.Errorf("wire: OutgoingUserMessage has no variant set")
	}
}

func (m *OutgoingUserMessage) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return fmt.Errorf("wire: OutgoingUserMessage: %w", err)
	}
	switch tag {
	case "InitialPresentationData":
		m.InitialPresentationData = new(InitialPresentationData)
		return json.Unmarshal(raw, m.InitialPresentationData)
	case "RatelimiterResponse":
		m.RatelimiterResponse = new(RatelimiterResponse)
		return json.Unmarshal(raw, m.RatelimiterResponse)
	case "NewSlide":
		m.NewSlide = new(SlideSettings)
		return json.Unmarshal(raw, m.NewSlide)
	case "NewPoll":
		m.NewPoll = new(NewPollMessage)
		return json.Unmarshal(raw, m.NewPoll)
	case "Success":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		m.Success = &s
		return nil
	case "Error":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		m.Error = &s
		return nil
	case "Disconnect":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		m.Disconnect = &s
		return nil
	default:
		return fmt.Errorf("wire: OutgoingUserMessage: unknown variant %q", tag)
	}
}

// --- Outgoing to presenter -----------------------------------------------------

// OutgoingPresenterMessage is the tagged union of server-to-presenter payloads.
type OutgoingPresenterMessage struct {
	Emoji       *EmojiMessage
	PollResults map[string]uint64
	Error       *string
}

func (m OutgoingPresenterMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Emoji != nil:
		return marshalTagged("Emoji", m.Emoji)
	case m.PollResults != nil:
		return marshalTagged("PollResults", m.PollResults)
	case m.Error != nil:
		return marshalTagged("Error", *m.Error)
	default:
		return nil, fmt.Errorf("wire: OutgoingPresenterMessage has no variant set")
	}
}

func (m *OutgoingPresenterMessage) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return fmt.Errorf("wire: OutgoingPresenterMessage: %w", err)
	}
	switch tag {
	case "Emoji":
		m.Emoji = new(EmojiMessage)
		return json.Unmarshal(raw, m.Emoji)
	case "PollResults":
		m.PollResults = map[string]uint64{}
		return json.Unmarshal(raw, &m.PollResults)
	case "Error":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		m.Error = &s
		return nil
	default:
		return fmt.Errorf("wire: OutgoingPresenterMessage: unknown variant %q", tag)
	}
}

// --- tagged-object helpers ---------------------------------------------------

func marshalTagged(tag string, value any) ([]byte, error) {
	return json.Marshal(map[string]any{tag: value})
}

// unmarshalTagged expects data to be a single-key JSON object and returns
// that key and its raw value.
func unmarshalTagged(data []byte) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("not a tagged object: %w", err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("expected exactly one key, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	return "", nil, fmt.Errorf("unreachable")
}
