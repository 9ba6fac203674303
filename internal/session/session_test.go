package session

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/auth"

	"billbook/internal/apperror"
)

type fakeVerifier struct {
	uid string
	err error
	got string
}

func (f *fakeVerifier) VerifyIDToken(_ context.Context, idToken string) (*auth.Token, error) {
	f.got = idToken
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Token{UID: f.uid}, nil
}

func TestFirebaseAuthenticator_ReturnsUID(t *testing.T) {
	fv := &fakeVerifier{uid: "user-42"}
	uid, err := NewFirebaseAuthenticatorWith(fv).Authenticate(context.Background(), "  tok  ")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if uid != "user-42" || fv.got != "tok" {
		t.Fatalf("uid=%q token=%q", uid, fv.got)
	}
}

func TestFirebaseAuthenticator_EmptyCredential(t *testing.T) {
	_, err := NewFirebaseAuthenticatorWith(&fakeVerifier{}).Authenticate(context.Background(), " ")
	if !apperror.IsKind(err, apperror.Validation) {
		t.Fatalf("want Validation, got %v", err)
	}
}

func TestFirebaseAuthenticator_TransportFailure(t *testing.T) {
	fv := &fakeVerifier{err: errors.New("dial tcp: timeout")}
	_, err := NewFirebaseAuthenticatorWith(fv).Authenticate(context.Background(), "tok")
	if !apperror.IsKind(err, apperror.RemoteUnavailable) {
		t.Fatalf("want RemoteUnavailable, got %v", err)
	}
}

func TestLocalAuthenticator(t *testing.T) {
	uid, err := LocalAuthenticator{}.Authenticate(context.Background(), "dev")
	if err != nil || uid != "dev" {
		t.Fatalf("uid=%q err=%v", uid, err)
	}
	if _, err := (LocalAuthenticator{}).Authenticate(context.Background(), ""); err == nil {
		t.Fatalf("empty credential accepted")
	}
}
