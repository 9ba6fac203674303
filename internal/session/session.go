// Package session turns a sign-in credential into the stable user id that
// namespaces the remote replica.
package session

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"

	"billbook/internal/apperror"
)

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (uid string, err error)
}

type tokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseAuthenticator accepts a Firebase ID token and returns its uid.
type FirebaseAuthenticator struct {
	verifier tokenVerifier
}

func NewFirebaseAuthenticator(ctx context.Context, app *firebase.App) (*FirebaseAuthenticator, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth: %w", err)
	}
	return &FirebaseAuthenticator{verifier: client}, nil
}

// NewFirebaseAuthenticatorWith is only for tests to inject a fake verifier.
func NewFirebaseAuthenticatorWith(v tokenVerifier) *FirebaseAuthenticator {
	return &FirebaseAuthenticator{verifier: v}
}

func (a *FirebaseAuthenticator) Authenticate(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", apperror.Invalid("credential", "must not be empty")
	}
	tok, err := a.verifier.VerifyIDToken(ctx, credential)
	if err != nil {
		if auth.IsIDTokenExpired(err) || auth.IsIDTokenInvalid(err) {
			return "", apperror.Invalid("credential", err.Error())
		}
		return "", apperror.NewRemoteUnavailableError("verify id token", err)
	}
	return tok.UID, nil
}

// LocalAuthenticator trusts the credential as the uid. It backs dev mode
// with the in-memory replica, where there is no identity provider.
type LocalAuthenticator struct{}

func (LocalAuthenticator) Authenticate(_ context.Context, credential string) (string, error) {
	uid := strings.TrimSpace(credential)
	if uid == "" {
		return "", apperror.Invalid("credential", "must not be empty")
	}
	return uid, nil
}
