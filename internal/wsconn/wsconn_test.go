package wsconn

import (
	"crypto/elliptic"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crypto/ecdsa"
	"crypto/rand"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obelisk-exhibit/broker/internal/presentation"
	"github.com/obelisk-exhibit/broker/internal/users"
	"github.com/obelisk-exhibit/broker/internal/wire"
)

func TestSendQueue_DropsOldestWhenFull(t *testing.T) {
	var dropped int32
	q := newSendQueue(2, func() { atomic.AddInt32(&dropped, 1) })

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	q.Enqueue([]byte("c")) // queue full: drops "a", keeps b, c

	first := <-q.frames
	second := <-q.frames
	assert.Equal(t, "b", string(first))
	assert.Equal(t, "c", string(second))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dropped))
}

type recordingRouter struct {
	presenterMsgs chan *wire.IncomingPresenterMessage
	userMsgs      chan *wire.IncomingUserMessage
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{
		presenterMsgs: make(chan *wire.IncomingPresenterMessage, 10),
		userMsgs:      make(chan *wire.IncomingUserMessage, 10),
	}
}

func (r *recordingRouter) HandlePresenterMessage(_ *presentation.Presentation, _ *users.Record, msg *wire.IncomingPresenterMessage) {
	r.presenterMsgs <- msg
}

func (r *recordingRouter) HandleUserMessage(_ *presentation.Presentation, _ *users.Record, msg *wire.IncomingUserMessage) {
	r.userMsgs <- msg
}

func testPresentation(t *testing.T) *presentation.Presentation {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return presentation.New("p1", "alice", "Demo", &key.PublicKey, false)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func startServeServer(t *testing.T, pres *presentation.Presentation, handle string, router Router) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		Serve(conn, pres, handle, 16, router, nil, nil)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServe_UserReceivesInitialPresentationDataOnConnect(t *testing.T) {
	pres := testPresentation(t)
	pres.SetSlideSettings(wire.SlideSettings{Message: "Hi", Emojis: []string{"👍"}})
	rec := users.NewRecord("bob", "h1")
	pres.Users.Insert(rec)

	router := newRecordingRouter()
	srv := startServeServer(t, pres, "h1", router)
	conn := dial(t, srv)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wire.OutgoingUserMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.InitialPresentationData)
	assert.Equal(t, "Demo", msg.InitialPresentationData.Title)
	require.NotNil(t, msg.InitialPresentationData.Settings)
	assert.Equal(t, "Hi", msg.InitialPresentationData.Settings.Message)
}

func TestServe_DispatchesUserMessageToRouter(t *testing.T) {
	pres := testPresentation(t)
	rec := users.NewRecord("bob", "h1")
	pres.Users.Insert(rec)

	router := newRecordingRouter()
	srv := startServeServer(t, pres, "h1", router)
	conn := dial(t, srv)

	_, _, err := conn.ReadMessage() // drain InitialPresentationData
	require.NoError(t, err)

	payload := `{"User":{"Emoji":{"emoji":"🎉","size":0}}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case msg := <-router.userMsgs:
		require.NotNil(t, msg.Emoji)
		assert.Equal(t, "🎉", msg.Emoji.Emoji)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not receive dispatched user message")
	}
}

func TestServe_PresenterWrongSideMessageIsDropped(t *testing.T) {
	pres := testPresentation(t)
	rec := users.NewRecord("alice", "h1")
	pres.Presenters.Insert(rec)

	router := newRecordingRouter()
	srv := startServeServer(t, pres, "h1", router)
	conn := dial(t, srv)

	payload := `{"User":{"Emoji":{"emoji":"🎉","size":0}}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case <-router.userMsgs:
		t.Fatal("presenter-side connection must not dispatch a User message")
	case <-router.presenterMsgs:
		t.Fatal("no presenter message was sent")
	case <-time.After(200 * time.Millisecond):
		// expected: silently dropped
	}
}

func TestServe_TakeoverSendsDisconnectAndClosesOldConnection(t *testing.T) {
	pres := testPresentation(t)
	rec := users.NewRecord("bob", "h1")
	pres.Users.Insert(rec)

	router := newRecordingRouter()
	srv := startServeServer(t, pres, "h1", router)
	conn := dial(t, srv)

	_, _, err := conn.ReadMessage() // InitialPresentationData
	require.NoError(t, err)

	// Simulate a second device joining under the same identity: a fresh
	// insert fires h1's close signal.
	rec2 := users.NewRecord("bob", "h2")
	pres.Users.Insert(rec2)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wire.OutgoingUserMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.Disconnect)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err) // connection now closed server-side
}

func TestServe_OversizedFrameClosesConnectionWithoutDispatch(t *testing.T) {
	pres := testPresentation(t)
	rec := users.NewRecord("bob", "h1")
	pres.Users.Insert(rec)

	router := newRecordingRouter()
	srv := startServeServer(t, pres, "h1", router)
	conn := dial(t, srv)

	_, _, err := conn.ReadMessage() // drain InitialPresentationData
	require.NoError(t, err)

	// A single frame over MaxFrameBytes, wrapped so any rejection is
	// purely size-based rather than a parse failure.
	oversizedEmoji := strings.Repeat("a", MaxFrameBytes+1)
	payload := `{"User":{"Emoji":{"emoji":"` + oversizedEmoji + `","size":0}}}`
	require.Greater(t, len(payload), MaxFrameBytes)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case <-router.userMsgs:
		t.Fatal("oversized frame must not reach the router")
	case <-router.presenterMsgs:
		t.Fatal("oversized frame must not reach the router")
	case <-time.After(300 * time.Millisecond):
	}

	_, _, err = conn.ReadMessage()
	assert.Error(t, err) // connection torn down server-side, not left open

	assert.Nil(t, pres.SlideSettings()) // no state mutation occurred
}
