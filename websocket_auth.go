package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"towerdrop/broker/internal/auth"
)

// identity is who a websocket connection belongs to and what it may do.
type identity struct {
	Subject string
	Role    auth.Role
}

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (identity, error)
}

// allowAllAuthenticator is used when no HMAC secret is configured; every viewer may steer.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (identity, error) {
	return identity{Role: auth.RoleController}, nil
}

type hmacWebsocketAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

func newHMACWebsocketAuthenticator(secret string) (websocketAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacWebsocketAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the incoming token and returns the subject and role it grants.
func (a *hmacWebsocketAuthenticator) Authenticate(r *http.Request) (identity, error) {
	if a == nil || a.verifier == nil {
		return identity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return identity{}, errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return identity{}, err
	}
	return identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// WithWebsocketAuthenticator wires a custom authenticator into the broker.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) BrokerOption {
	return func(b *Broker) {
		if b == nil || authenticator == nil {
			return
		}
		b.wsAuthenticator = authenticator
	}
}
