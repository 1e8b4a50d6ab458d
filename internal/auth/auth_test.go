package auth

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"adfunds.io/internal/audit"
)

func TestTokensGenerateAndParse(t *testing.T) {
	tokens, err := NewTokens("top-secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	actor := audit.Actor{ID: "user-42", OrganizationID: "org_a", Roles: []string{"Admin", "member", "admin"}}

	token, err := tokens.Generate(actor, 30*time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-42" || claims.OrganizationID != "org_a" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatalf("expected token id")
	}
	got := claims.Actor()
	if len(got.Roles) != 2 || !slices.Contains(got.Roles, "admin") || !slices.Contains(got.Roles, "member") {
		t.Fatalf("roles were not normalised: %v", got.Roles)
	}
	if !got.IsAdmin() {
		t.Fatalf("expected admin actor")
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  "); err != ErrMissingSecret {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, _ := NewTokens("secret-a", WithClock(clock))
	other, _ := NewTokens("secret-b", WithClock(clock))
	foreign, _ := NewTokens("secret-a", WithIssuer("someone-else"), WithClock(clock))

	valid, err := tokens.Generate(audit.Actor{ID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	wrongKey, _ := other.Generate(audit.Actor{ID: "u1"}, time.Minute)
	wrongIssuer, _ := foreign.Generate(audit.Actor{ID: "u1"}, time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Parse(token); err != ErrInvalidToken {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	now = now.Add(2 * time.Minute)
	if _, err := tokens.Parse(valid); err != ErrInvalidToken {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestGenerateValidatesInput(t *testing.T) {
	tokens, _ := NewTokens("secret")
	if _, err := tokens.Generate(audit.Actor{}, time.Minute); err == nil {
		t.Fatalf("expected error for missing subject")
	}
	if _, err := tokens.Generate(audit.Actor{ID: "u1"}, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestActorContext(t *testing.T) {
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatalf("expected no actor")
	}
	ctx := ContextWithActor(context.Background(), audit.Actor{ID: "u1", OrganizationID: "org_a"})
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID != "u1" || actor.OrganizationID != "org_a" {
		t.Fatalf("unexpected actor: %+v %v", actor, ok)
	}
}
