package header

import (
	"context"
	"net/http"
	"testing"

	"github.com/rhuss/mcpconnect/pkg/auth"
)

func TestAuthenticate(t *testing.T) {
	a := New()

	r, _ := http.NewRequest("GET", "/", nil)
	if got := a.Authenticate(context.Background(), r); got.Decision != auth.Abstain {
		t.Errorf("no header: Decision = %d, want Abstain", got.Decision)
	}

	r.Header.Set(UserIDHeader, "  ")
	if got := a.Authenticate(context.Background(), r); got.Decision != auth.Abstain {
		t.Errorf("blank header: Decision = %d, want Abstain", got.Decision)
	}

	r.Header.Set(UserIDHeader, "user-7")
	r.Header.Set(EmailHeader, "seven@example.com")
	got := a.Authenticate(context.Background(), r)
	if got.Decision != auth.Yes {
		t.Fatalf("Decision = %d, want Yes", got.Decision)
	}
	if got.Identity.Subject != "user-7" || got.Identity.Email != "seven@example.com" {
		t.Errorf("identity = %+v, want user-7 / seven@example.com", got.Identity)
	}
}

func TestChainFallsBackToAnonymous(t *testing.T) {
	chain := &auth.AuthChain{Authenticators: []auth.Authenticator{New()}, DefaultDecision: auth.Yes}
	r, _ := http.NewRequest("GET", "/", nil)

	got := chain.Authenticate(context.Background(), r)
	if got.Decision != auth.Yes || !got.Identity.Anonymous() {
		t.Errorf("result = %+v, want anonymous identity", got)
	}
}
