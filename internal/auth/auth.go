// Package auth verifies the two token types the broker accepts:
// presentation-creation tokens (checked against the service-wide create
// key) and join tokens (checked against the target presentation's own
// installed key). Both are ES256 (ECDSA P-256) signed JWTs.
//
// EC PEM parsing is grounded on the teacher's
// internal/federation.ParsePublicKeyPEM (pem.Decode + x509.ParsePKIXPublicKey).
// The verify flows are grounded on obelisk/exhibit's
// src/authentication/mod.rs: verify_create reads registration_key,
// presenter_identity, authorization_public_key, title off the form and
// rejects on an existing pid; verify_join reads the unverified header's
// kid to find the presentation, then verifies with that presentation's
// own key and requires pid == kid.
package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/obelisk-exhibit/broker/internal/presentation"
)

// ErrNotFound is the single opaque failure class every verification
// error collapses to at the HTTP boundary, per spec §7's "Auth and
// Protocol failures ... surfaced as an opaque not-found status".
var ErrNotFound = errors.New("auth: not found")

var allowedAlgorithms = []jose.SignatureAlgorithm{jose.ES256}

// tokenClaims is the registered claim set plus the broker's single
// custom claim, pid.
type tokenClaims struct {
	jwt.Claims
	PID string `json:"pid"`
}

// ParsePublicKeyPEM parses a PEM-encoded ECDSA public key.
func ParsePublicKeyPEM(pemData string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("auth: failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to parse public key: %w", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: not an ECDSA public key")
	}
	return ecdsaPub, nil
}

// Verifier holds the service-wide key used to authorize presentation
// creation. Join tokens are verified against each presentation's own
// installed key instead.
type Verifier struct {
	CreateKey *ecdsa.PublicKey
}

// NewVerifier parses createKeyPEM as the service's presentation-creation
// key.
func NewVerifier(createKeyPEM string) (*Verifier, error) {
	key, err := ParsePublicKeyPEM(createKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing create key: %w", err)
	}
	return &Verifier{CreateKey: key}, nil
}

// PresentationBuilder carries the fields needed to construct a new
// Presentation once /new's form has been verified.
type PresentationBuilder struct {
	ID                string
	PresenterIdentity string
	Title             string
	Encrypted         bool
	AuthenticationKey *ecdsa.PublicKey
	CreatorSubject    string
}

// Build constructs the Presentation this builder describes.
func (b *PresentationBuilder) Build() *presentation.Presentation {
	return presentation.New(b.ID, b.PresenterIdentity, b.Title, b.AuthenticationKey, b.Encrypted)
}

// VerifyCreate verifies a /new request's form fields: registration_key
// must be a valid ES256 token signed by the service create key, the
// claimed pid must not already exist in store, and
// authorization_public_key must parse as an EC PEM (it becomes the new
// presentation's join-verification key).
func (v *Verifier) VerifyCreate(form url.Values, store *presentation.Store) (*PresentationBuilder, error) {
	registrationKey := form.Get("registration_key")
	presenterIdentity := form.Get("presenter_identity")
	authPublicKeyPEM := form.Get("authorization_public_key")
	title := form.Get("title")

	if registrationKey == "" || presenterIdentity == "" || authPublicKeyPEM == "" || title == "" {
		return nil, fmt.Errorf("auth: missing required field")
	}

	token, err := jwt.ParseSigned(registrationKey, allowedAlgorithms)
	if err != nil {
		return nil, ErrNotFound
	}

	var claims tokenClaims
	if err := token.Claims(v.CreateKey, &claims); err != nil {
		return nil, ErrNotFound
	}
	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, ErrNotFound
	}
	if claims.PID == "" {
		return nil, ErrNotFound
	}

	if _, exists := store.Get(claims.PID); exists {
		return nil, fmt.Errorf("auth: presentation %s already exists", claims.PID)
	}

	authenticationKey, err := ParsePublicKeyPEM(authPublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid authorization_public_key: %w", err)
	}

	return &PresentationBuilder{
		ID:                claims.PID,
		PresenterIdentity: presenterIdentity,
		Title:             title,
		Encrypted:         form.Get("encrypted") == "on",
		AuthenticationKey: authenticationKey,
		CreatorSubject:    claims.Subject,
	}, nil
}

// JoinClaims is the subset of a verified join token's claims the caller
// needs.
type JoinClaims struct {
	Subject string
	PID     string
}

// VerifyJoin reads the token's unverified key-id to find the target
// presentation, then verifies the signature against that presentation's
// own authentication key. The claims' pid must equal the key-id.
func VerifyJoin(tokenBytes []byte, store *presentation.Store) (*presentation.Presentation, JoinClaims, error) {
	token, err := jwt.ParseSigned(string(tokenBytes), allowedAlgorithms)
	if err != nil {
		return nil, JoinClaims{}, ErrNotFound
	}
	if len(token.Headers) == 0 || token.Headers[0].KeyID == "" {
		return nil, JoinClaims{}, ErrNotFound
	}
	kid := token.Headers[0].KeyID

	pres, ok := store.Get(kid)
	if !ok {
		return nil, JoinClaims{}, ErrNotFound
	}

	var claims tokenClaims
	if err := token.Claims(pres.AuthenticationKey, &claims); err != nil {
		return nil, JoinClaims{}, ErrNotFound
	}
	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, JoinClaims{}, ErrNotFound
	}
	if claims.Subject == "" || claims.PID != kid {
		return nil, JoinClaims{}, ErrNotFound
	}

	return pres, JoinClaims{Subject: claims.Subject, PID: claims.PID}, nil
}
