// Package wsconn implements the per-connection task graph (C6): binding
// an upgraded WebSocket to a registered user or presenter slot, pumping
// outbound frames off a bounded queue, and running the inbound
// select-style loop that classifies frames and dispatches them to the
// router, or tears the connection down on takeover/close/error.
//
// Grounded on the teacher's internal/websocket.DAGStreamer for the
// split read-goroutine / write-pump shape (generalized here from a
// single broadcast hub to per-identity slot binding), and on
// obelisk/exhibit's src/ws.rs for the actual state machine: a select
// between inbound frames and a close signal, an immediate
// InitialPresentationData send for users, and the exact disconnect
// logging distinction (removed vs. already-removed).
package wsconn

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obelisk-exhibit/broker/internal/presentation"
	"github.com/obelisk-exhibit/broker/internal/users"
	"github.com/obelisk-exhibit/broker/internal/wire"
)

// MaxFrameBytes is the maximum size of a single incoming WS message
// (spec §4.6 "Frame-size cap").
const MaxFrameBytes = 4096

// Router dispatches classified inbound messages. Implemented by
// internal/router.Router; declared here to keep wsconn from depending on
// the router package.
type Router interface {
	HandlePresenterMessage(pres *presentation.Presentation, rec *users.Record, msg *wire.IncomingPresenterMessage)
	HandleUserMessage(pres *presentation.Presentation, rec *users.Record, msg *wire.IncomingUserMessage)
}

// sendQueue is a bounded, drop-oldest outbound frame queue: the
// connection's write pump drains it, and Enqueue never blocks the
// caller. Implements users.Sink.
type sendQueue struct {
	frames chan []byte
	onDrop func()
}

func newSendQueue(size int, onDrop func()) *sendQueue {
	return &sendQueue{frames: make(chan []byte, size), onDrop: onDrop}
}

func (q *sendQueue) Enqueue(frame []byte) {
	select {
	case q.frames <- frame:
		return
	default:
	}
	// Full: drop the oldest queued frame to make room, then retry once.
	select {
	case <-q.frames:
		if q.onDrop != nil {
			q.onDrop()
		}
	default:
	}
	select {
	case q.frames <- frame:
	default:
	}
}

func (q *sendQueue) close() { close(q.frames) }

func enqueueJSON(q *sendQueue, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("wsconn: failed to marshal outgoing message", "error", err)
		return
	}
	q.Enqueue(data)
}

// Serve binds conn to the slot named by handle within pres (a presenter
// slot if handle is registered there, else a user slot), then runs the
// connection's lifetime: write pump, immediate InitialPresentationData
// for users, and the inbound/close-signal select loop. Serve blocks
// until the connection is fully torn down. onInvalidFrame, if non-nil,
// is called with a reason tag for every inbound frame rejected before
// it reaches router ("unparseable" or "wrong_side"). An oversized frame
// fails the read itself and ends the connection without calling it.
func Serve(conn *websocket.Conn, pres *presentation.Presentation, handle string, sendQueueSize int, router Router, onDroppedFrame func(), onInvalidFrame func(reason string)) {
	isPresenter := pres.Presenters.Contains(handle)

	var rec *users.Record
	if isPresenter {
		r, ok := pres.Presenters.Get(handle)
		if !ok {
			slog.Warn("wsconn: presenter could not upgrade, not registered", "handle", handle, "presentation_id", pres.ID)
			conn.Close()
			return
		}
		rec = r
	} else {
		r, ok := pres.Users.GetByHandle(handle)
		if !ok {
			slog.Warn("wsconn: user could not upgrade, not registered", "handle", handle, "presentation_id", pres.ID)
			conn.Close()
			return
		}
		rec = r
	}

	queue := newSendQueue(sendQueueSize, onDroppedFrame)
	rec.Bind(queue)

	conn.SetReadLimit(MaxFrameBytes)

	writePumpDone := make(chan struct{})
	go func() {
		defer close(writePumpDone)
		for frame := range queue.frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("wsconn: write failed", "handle", handle, "error", err)
				return
			}
		}
	}()

	if !isPresenter {
		enqueueJSON(queue, wire.OutgoingUserMessage{
			InitialPresentationData: &wire.InitialPresentationData{
				Title:    pres.Title(),
				Settings: pres.SlideSettings(),
			},
		})
	}

	identity := rec.Identity
	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			inbound <- data
		}
	}()

	closeSignal := rec.CloseSignal()

readLoop:
	for {
		select {
		case data := <-inbound:
			var msg wire.IncomingMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("wsconn: invalid message", "identity", identity, "error", err)
				if onInvalidFrame != nil {
					onInvalidFrame("unparseable")
				}
				continue
			}
			switch {
			case isPresenter && msg.Presenter != nil:
				router.HandlePresenterMessage(pres, rec, msg.Presenter)
			case !isPresenter && msg.User != nil:
				router.HandleUserMessage(pres, rec, msg.User)
			default:
				slog.Warn("wsconn: message valid but wrong side", "identity", identity, "is_presenter", isPresenter)
				if onInvalidFrame != nil {
					onInvalidFrame("wrong_side")
				}
			}

		case <-readErr:
			break readLoop

		case <-closeSignal:
			slog.Info("wsconn: switching to a new device", "identity", identity, "presentation_id", pres.ID)
			if !isPresenter {
				enqueueJSON(queue, wire.OutgoingUserMessage{Disconnect: strPtr("")})
			}
			break readLoop
		}
	}

	if isPresenter {
		pres.Presenters.Remove(handle)
	} else if pres.Users.Remove(rec) {
		slog.Info("wsconn: disconnected", "identity", identity, "handle", handle, "presentation_id", pres.ID)
	} else {
		slog.Warn("wsconn: already disconnected", "identity", identity, "handle", handle, "presentation_id", pres.ID)
	}

	// Let the write pump flush what is queued (a takeover Disconnect
	// included) before the socket closes; the deadline bounds that flush.
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	queue.close()
	<-writePumpDone
	conn.Close()
}

func strPtr(s string) *string { return &s }
