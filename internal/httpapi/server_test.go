package httpapi

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obelisk-exhibit/broker/internal/auth"
	"github.com/obelisk-exhibit/broker/internal/presentation"
	"github.com/obelisk-exhibit/broker/internal/router"
	"github.com/obelisk-exhibit/broker/internal/wire"
)

func generateKeyPair(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return priv, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *ecdsa.PrivateKey, kid, subject, pid string) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithType("JWT")
	if kid != "" {
		opts = opts.WithHeader(jose.HeaderKey("kid"), kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	require.NoError(t, err)

	type claims struct {
		jwt.Claims
		PID string `json:"pid"`
	}
	token, err := jwt.Signed(signer).Claims(claims{
		Claims: jwt.Claims{Subject: subject, Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		PID:    pid,
	}).Serialize()
	require.NoError(t, err)
	return token
}

func newTestServer(t *testing.T) (*Server, *ecdsa.PrivateKey) {
	t.Helper()
	createPriv, createPub := generateKeyPair(t)
	verifier, err := auth.NewVerifier(createPub)
	require.NoError(t, err)
	srv := New(presentation.NewStore(), verifier, router.New(nil), nil, 16)
	return srv, createPriv
}

func TestHandleHealth_ReturnsOKAndCounts(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.LivePresentations)
}

func TestHandleCreate_HappyPath(t *testing.T) {
	srv, createPriv := newTestServer(t)
	_, joinPub := generateKeyPair(t)
	token := sign(t, createPriv, "", "alice", "p1")

	form := url.Values{
		"registration_key":         {token},
		"presenter_identity":       {"alice"},
		"authorization_public_key": {joinPub},
		"title":                    {"Demo"},
	}
	req := httptest.NewRequest("POST", "/new", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.handleCreate(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	pres, ok := srv.Store.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "alice", pres.PresenterIdentity)
	assert.Equal(t, "Demo", pres.Title())
}

func TestHandleCreate_RejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/new", strings.NewReader("title=Demo"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.handleCreate(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleJoin_HappyPathRegistersUserAndUpgrades(t *testing.T) {
	srv, _ := newTestServer(t)
	joinPriv, joinPub := generateKeyPair(t)
	joinKey, err := auth.ParsePublicKeyPEM(joinPub)
	require.NoError(t, err)
	require.NoError(t, srv.Store.Create(presentation.New("p1", "alice", "Demo", joinKey, false)))

	token := sign(t, joinPriv, "p1", "bob", "p1")
	req := httptest.NewRequest("POST", "/join", strings.NewReader(token))
	w := httptest.NewRecorder()
	srv.handleJoin(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "/ws/p1/", resp["url"][:len("/ws/p1/")])

	pres, _ := srv.Store.Get("p1")
	assert.Equal(t, 1, pres.Users.Len())

	handle := strings.TrimPrefix(resp["url"], "/ws/p1/")
	mux := srv.Routes()
	wsSrv := httptest.NewServer(mux)
	defer wsSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http") + "/ws/p1/" + handle
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wire.OutgoingUserMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.InitialPresentationData)
	assert.Equal(t, "Demo", msg.InitialPresentationData.Title)
}

func TestHandleJoin_RejectsUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/join", strings.NewReader("not-a-jwt"))
	w := httptest.NewRecorder()
	srv.handleJoin(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
