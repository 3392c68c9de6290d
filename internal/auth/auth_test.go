package auth

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/IvanRicoPrieto/CCRemote/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestTokenGeneratedOnFirstUse(t *testing.T) {
	a := newTestStore(t)
	tok, err := a.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if len(tok) != 43 {
		t.Fatalf("token length = %d, want 43", len(tok))
	}

	again, err := a.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if again != tok {
		t.Fatal("token must be stable across calls")
	}
}

func TestValidate(t *testing.T) {
	a := newTestStore(t)
	tok, err := a.Token()
	if err != nil {
		t.Fatal(err)
	}
	if !a.Validate(tok) {
		t.Fatal("stored token must validate")
	}
	if a.Validate("wrong") {
		t.Fatal("wrong token must not validate")
	}
	if a.Validate("") {
		t.Fatal("empty token must not validate")
	}
}

func TestValidateBeforeGeneration(t *testing.T) {
	a := newTestStore(t)
	if a.Validate("anything") {
		t.Fatal("nothing validates before a token exists")
	}
}

func TestRegenerateInvalidatesOldToken(t *testing.T) {
	a := newTestStore(t)
	old, err := a.Token()
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := a.Regenerate()
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if fresh == old {
		t.Fatal("regenerate must produce a new token")
	}
	if a.Validate(old) {
		t.Fatal("old token must stop validating")
	}
	if !a.Validate(fresh) {
		t.Fatal("fresh token must validate")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "abcd", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, c := range cases {
		if got := ConstantTimeEqual(c.a, c.b); got != c.want {
			t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
