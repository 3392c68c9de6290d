package tmux

import "testing"

func TestTranslateRawKey(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"\x03", KeyCtrlC},
		{"\x1b", KeyEscape},
		{"\r", KeyEnter},
		{"\n", KeyEnter},
		{"\t", KeyTab},
		{"\x7f", KeyBackspace},
		{"\b", KeyBackspace},
		{"\x1b[A", KeyUp},
		{"\x1b[B", KeyDown},
		{"\x1b[C", KeyRight},
		{"\x1b[D", KeyLeft},
		{"\x1b[5~", KeyPageUp},
		{"\x1b[6~", KeyPageDown},
	}
	for _, c := range cases {
		got, ok := TranslateRawKey(c.input)
		if !ok || got != c.want {
			t.Errorf("TranslateRawKey(%q) = %q, %v; want %q", c.input, got, ok, c.want)
		}
	}
}

func TestTranslateRawKeyLiteralFallthrough(t *testing.T) {
	for _, input := range []string{"a", "hello", "\x1b[Z", "ls -la", ""} {
		if named, ok := TranslateRawKey(input); ok {
			t.Errorf("TranslateRawKey(%q) unexpectedly mapped to %q", input, named)
		}
	}
}

func TestSessionNameRoundTrip(t *testing.T) {
	d := New("ccr")
	name := d.SessionName("abc123DEF_-x")
	if name != "ccr-abc123DEF_-x" {
		t.Fatalf("SessionName = %q", name)
	}
	if id := d.ParseName(name); id != "abc123DEF_-x" {
		t.Fatalf("ParseName(%q) = %q", name, id)
	}
}

func TestParseNameRejectsForeignSessions(t *testing.T) {
	d := New("ccr")
	for _, name := range []string{"main", "ccrx-abc", "other-abc", "ccr", ""} {
		if id := d.ParseName(name); id != "" {
			t.Errorf("ParseName(%q) = %q, want empty", name, id)
		}
	}
}

func TestShellQuote(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "'plain'"},
		{"has space", "'has space'"},
		{"it's", `'it'\''s'`},
	}
	for _, c := range cases {
		if got := shellQuote(c.in); got != c.want {
			t.Errorf("shellQuote(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
