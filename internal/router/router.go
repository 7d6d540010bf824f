// Package router implements the message classifier and dispatcher (C7):
// presenter-path authorization and state mutation, user-path
// rate-limiting and fan-out, grounded on obelisk/exhibit's
// src/processor.rs and the broadcast-to-presenters pattern there, and on
// spec §4.7's presenter/user handler tables.
package router

import (
	"encoding/json"
	"log/slog"

	"github.com/obelisk-exhibit/broker/internal/metrics"
	"github.com/obelisk-exhibit/broker/internal/presentation"
	"github.com/obelisk-exhibit/broker/internal/ratelimiter"
	"github.com/obelisk-exhibit/broker/internal/users"
	"github.com/obelisk-exhibit/broker/internal/wire"
)

// Router dispatches classified inbound messages to their handlers. It
// implements wsconn.Router without importing that package.
type Router struct {
	metrics *metrics.Metrics
}

// New builds a Router. m may be nil, in which case dispatch runs with no
// metrics recorded (used in tests).
func New(m *metrics.Metrics) *Router { return &Router{metrics: m} }

func (r *Router) recordReceived(side, kind string) {
	if r.metrics != nil {
		r.metrics.RecordMessageReceived(side, kind)
	}
}

func (r *Router) recordSent(side, kind string) {
	if r.metrics != nil {
		r.metrics.RecordMessageSent(side, kind)
	}
}

// HandlePresenterMessage authorizes the sender (must be the
// presentation's presenter_identity) before mutating any state.
// Unauthorized senders are logged and dropped with no side effects.
func (r *Router) HandlePresenterMessage(pres *presentation.Presentation, rec *users.Record, msg *wire.IncomingPresenterMessage) {
	if rec.Identity != pres.PresenterIdentity {
		slog.Warn("router: unauthorized presenter message dropped", "identity", rec.Identity, "presentation_id", pres.ID)
		return
	}

	r.recordReceived("presenter", incomingPresenterKind(msg))

	switch {
	case msg.NewSlide != nil:
		r.handleNewSlide(pres, msg.NewSlide)
	case msg.NewPoll != nil:
		r.handleNewPoll(pres, rec, msg.NewPoll)
	case msg.GetPollTotals != nil:
		r.handleGetPollTotals(pres, rec, msg.GetPollTotals)
	case msg.AddRatelimiter != nil:
		r.handleAddRatelimiter(pres, msg.AddRatelimiter)
	case msg.RemoveRatelimiter != nil:
		pres.RateLimiter.Remove(msg.RemoveRatelimiter.Name)
	}
}

func incomingPresenterKind(msg *wire.IncomingPresenterMessage) string {
	switch {
	case msg.NewSlide != nil:
		return "new_slide"
	case msg.NewPoll != nil:
		return "new_poll"
	case msg.GetPollTotals != nil:
		return "get_poll_totals"
	case msg.AddRatelimiter != nil:
		return "add_ratelimiter"
	case msg.RemoveRatelimiter != nil:
		return "remove_ratelimiter"
	default:
		return "unknown"
	}
}

func (r *Router) handleNewSlide(pres *presentation.Presentation, m *wire.NewSlideMessage) {
	pres.SetSlideSettings(m.SlideSettings)
	r.broadcastToUsers(pres, wire.OutgoingUserMessage{NewSlide: &m.SlideSettings})
}

func (r *Router) handleNewPoll(pres *presentation.Presentation, presenterRec *users.Record, m *wire.NewPollMessage) {
	poll, err := pres.Polls().NewPoll(m.Name, m.Options, m.VoteType)
	if err != nil {
		r.sendToPresenter(presenterRec, wire.OutgoingPresenterMessage{Error: strPtr(err.Error())})
		existing := poll.Definition()
		r.broadcastToUsers(pres, wire.OutgoingUserMessage{NewPoll: &existing})
		return
	}
	if r.metrics != nil {
		r.metrics.PollsCreated.Inc()
	}
	r.broadcastToUsers(pres, wire.OutgoingUserMessage{NewPoll: m})
}

func (r *Router) handleGetPollTotals(pres *presentation.Presentation, presenterRec *users.Record, m *wire.GetPollTotalsMessage) {
	totals, ok := pres.Polls().Totals(m.Name)
	if !ok {
		r.sendToPresenter(presenterRec, wire.OutgoingPresenterMessage{Error: strPtr("No poll with name " + m.Name + " exists")})
		return
	}
	r.sendToPresenter(presenterRec, wire.OutgoingPresenterMessage{PollResults: totals})
}

func (r *Router) handleAddRatelimiter(pres *presentation.Presentation, m *wire.AddRatelimiterMessage) {
	var limiter ratelimiter.Limiter
	switch {
	case m.Limiter.Time != nil:
		limiter = ratelimiter.NewTimeLimiter(m.Limiter.Time.Interval)
	case m.Limiter.Value != nil:
		v := m.Limiter.Value
		limiter = ratelimiter.NewValueLimiter(v.SmallCost, v.LargeCost, v.HugeCost, v.PointsPer10, v.MaxPoints)
	default:
		slog.Warn("router: AddRatelimiter with no limiter variant set", "name", m.Name, "presentation_id", pres.ID)
		return
	}
	pres.RateLimiter.Add(m.Name, limiter)
}

// HandleUserMessage always replies with the rate-limiter outcome first,
// then dispatches on allow. A block stops further processing.
func (r *Router) HandleUserMessage(pres *presentation.Presentation, rec *users.Record, msg *wire.IncomingUserMessage) {
	r.recordReceived("user", incomingUserKind(msg))

	limiterMsg := ratelimiter.Message{}
	if msg.Emoji != nil {
		size := msg.Emoji.Size
		limiterMsg.Size = &size
	}

	resp := pres.RateLimiter.Check(rec.Identity, limiterMsg)
	r.sendToUser(rec, wire.OutgoingUserMessage{RatelimiterResponse: toWireResponse(resp)})

	if resp.IsBlocked() {
		slog.Warn("router: user message blocked by ratelimiter", "identity", rec.Identity, "limiter", resp.Blocked)
		if r.metrics != nil {
			r.metrics.RecordRatelimiterBlock(resp.Blocked)
		}
		return
	}

	switch {
	case msg.Emoji != nil:
		r.handleEmoji(pres, rec, msg.Emoji)
	case msg.Vote != nil:
		r.handleVote(pres, rec, msg.Vote)
	}
}

func incomingUserKind(msg *wire.IncomingUserMessage) string {
	switch {
	case msg.Emoji != nil:
		return "emoji"
	case msg.Vote != nil:
		return "vote"
	default:
		return "unknown"
	}
}

func (r *Router) handleEmoji(pres *presentation.Presentation, rec *users.Record, m *wire.EmojiMessage) {
	settings := pres.SlideSettings()
	if settings == nil {
		slog.Warn("router: emoji sent before presentation started", "identity", rec.Identity)
		return
	}
	if !containsString(settings.Emojis, m.Emoji) {
		slog.Warn("router: invalid emoji for current slide", "identity", rec.Identity, "emoji", m.Emoji)
		return
	}
	r.broadcastToPresenters(pres, wire.OutgoingPresenterMessage{Emoji: m})
}

func (r *Router) handleVote(pres *presentation.Presentation, rec *users.Record, m *wire.VoteMessage) {
	if err := pres.Polls().Vote(rec.Identity, m.PollName, m.VoteType); err != nil {
		r.sendToUser(rec, wire.OutgoingUserMessage{Error: strPtr(err.Error())})
		return
	}
	if r.metrics != nil {
		r.metrics.VotesCast.Inc()
	}
	r.sendToUser(rec, wire.OutgoingUserMessage{Success: strPtr("Vote recorded")})
}

func toWireResponse(resp ratelimiter.Response) *wire.RatelimiterResponse {
	if resp.IsBlocked() {
		return &wire.RatelimiterResponse{Blocked: strPtr(resp.Blocked)}
	}
	return &wire.RatelimiterResponse{Allowed: resp.Allowed}
}

func (r *Router) broadcastToUsers(pres *presentation.Presentation, msg wire.OutgoingUserMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("router: failed to marshal outgoing user message", "error", err)
		return
	}
	kind := outgoingUserKind(msg)
	for _, rec := range pres.Users.Iter() {
		rec.Send(data)
		r.recordSent("user", kind)
	}
}

func (r *Router) broadcastToPresenters(pres *presentation.Presentation, msg wire.OutgoingPresenterMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("router: failed to marshal outgoing presenter message", "error", err)
		return
	}
	kind := outgoingPresenterKind(msg)
	for _, rec := range pres.Presenters.Iter() {
		rec.Send(data)
		r.recordSent("presenter", kind)
	}
}

func (r *Router) sendToUser(rec *users.Record, msg wire.OutgoingUserMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("router: failed to marshal outgoing user message", "error", err)
		return
	}
	rec.Send(data)
	r.recordSent("user", outgoingUserKind(msg))
}

func (r *Router) sendToPresenter(rec *users.Record, msg wire.OutgoingPresenterMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("router: failed to marshal outgoing presenter message", "error", err)
		return
	}
	rec.Send(data)
	r.recordSent("presenter", outgoingPresenterKind(msg))
}

func outgoingUserKind(msg wire.OutgoingUserMessage) string {
	switch {
	case msg.InitialPresentationData != nil:
		return "initial_presentation_data"
	case msg.RatelimiterResponse != nil:
		return "ratelimiter_response"
	case msg.NewSlide != nil:
		return "new_slide"
	case msg.NewPoll != nil:
		return "new_poll"
	case msg.Success != nil:
		return "success"
	case msg.Error != nil:
		return "error"
	case msg.Disconnect != nil:
		return "disconnect"
	default:
		return "unknown"
	}
}

func outgoingPresenterKind(msg wire.OutgoingPresenterMessage) string {
	switch {
	case msg.Emoji != nil:
		return "emoji"
	case msg.PollResults != nil:
		return "poll_results"
	case msg.Error != nil:
		return "error"
	default:
		return "unknown"
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }
