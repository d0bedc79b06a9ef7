package auth

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/takeout-platform/api/internal/platform/config"
)

// IDTokenVerifier is the subset of the Firebase Admin auth client used here.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier turns Firebase ID tokens into identities. Customers sign in through Firebase; staff
// accounts carry a "role" custom claim.
type FirebaseVerifier struct {
	client    IDTokenVerifier
	roleClaim string
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseRoleClaim overrides the custom claim holding roles.
func WithFirebaseRoleClaim(claim string) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if claim != "" {
			v.roleClaim = claim
		}
	}
}

// WithFirebaseClient swaps the Admin SDK client, mainly for tests.
func WithFirebaseClient(client IDTokenVerifier) FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.client = client
	}
}

// NewFirebaseVerifier constructs a FirebaseVerifier backed by the Admin SDK.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	verifier := &FirebaseVerifier{roleClaim: defaultRoleClaim}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	if verifier.client != nil {
		return verifier, nil
	}

	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	verifier.client = client
	return verifier, nil
}

// Verify checks the ID token and maps its claims.
func (v *FirebaseVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}
	token, err := v.client.VerifyIDToken(ctx, rawToken)
	if err != nil {
		switch {
		case firebaseauth.IsIDTokenExpired(err):
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		case firebaseauth.IsIDTokenInvalid(err):
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return nil, err
	}

	return &Identity{
		UID:      token.UID,
		Email:    claimString(token.Claims, "email"),
		Locale:   claimString(token.Claims, "locale"),
		Roles:    rolesFromClaim(token.Claims[v.roleClaim]),
		Provider: ProviderFirebase,
	}, nil
}

var _ Verifier = (*FirebaseVerifier)(nil)
