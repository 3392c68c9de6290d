package classifier

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder captures emissions; the idle timer fires on its own goroutine so
// access is guarded.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func newTestClassifier() (*Classifier, *recorder) {
	r := &recorder{}
	// long idle threshold so the timer never fires mid-test
	return New(time.Hour, r.emit), r
}

func TestConfirmationPrompt(t *testing.T) {
	c, r := newTestClassifier()
	defer c.Close()

	c.Feed([]byte("Do you want to proceed? (y/n)"))

	events := r.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected activity + one classification, got %d events", len(events))
	}
	if events[0].Kind != EventActivity {
		t.Fatalf("first event must be activity, got %s", events[0].Kind)
	}
	ev := events[1]
	if ev.Kind != EventInputRequired || ev.InputType != InputConfirmation {
		t.Fatalf("expected input_required/confirmation, got %s/%s", ev.Kind, ev.InputType)
	}
	if !strings.Contains(ev.Question, "?") {
		t.Fatalf("question should carry the prompt, got %q", ev.Question)
	}
	if len(ev.Options) != 0 {
		t.Fatalf("confirmation prompts carry no options, got %v", ev.Options)
	}
}

func TestContextExhaustedDominatesWorking(t *testing.T) {
	c, r := newTestClassifier()
	defer c.Close()

	c.Feed([]byte("... Thinking ... conversation is too long ..."))

	events := r.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected exactly one classification after activity, got %d events", len(events))
	}
	if events[1].Kind != EventContextExhausted {
		t.Fatalf("context exhaustion must dominate working, got %s", events[1].Kind)
	}
	if events[1].Window == "" {
		t.Fatal("context_exhausted should carry the window")
	}
}

func TestWorkingDominatesInput(t *testing.T) {
	c, r := newTestClassifier()
	defer c.Close()

	c.Feed([]byte("Running tests... Do you want to proceed? (y/n)"))

	events := r.snapshot()
	if len(events) != 2 || events[1].Kind != EventWorking {
		t.Fatalf("working must dominate input prompts, got %+v", events)
	}
}

func TestWorkingIndicators(t *testing.T) {
	cases := []string{
		"Thinking about the problem",
		"(Reading main.go)",
		"⠋ compiling",
	}
	for _, input := range cases {
		c, r := newTestClassifier()
		c.Feed([]byte(input))
		c.Close()
		events := r.snapshot()
		if len(events) != 2 || events[1].Kind != EventWorking {
			t.Errorf("%q: expected working, got %+v", input, events)
		}
	}
}

func TestSelectionPromptExtractsOptions(t *testing.T) {
	c, r := newTestClassifier()
	defer c.Close()

	c.Feed([]byte("Choose an option\n[1] Continue anyway\n[2] Abort"))

	events := r.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected one classification, got %d events", len(events))
	}
	ev := events[1]
	if ev.Kind != EventInputRequired || ev.InputType != InputSelection {
		t.Fatalf("expected input_required/selection, got %s/%s", ev.Kind, ev.InputType)
	}
	if len(ev.Options) != 2 || ev.Options[0] != "Continue anyway" || ev.Options[1] != "Abort" {
		t.Fatalf("bad options: %v", ev.Options)
	}
}

func TestOpenQuestion(t *testing.T) {
	c, r := newTestClassifier()
	defer c.Close()

	c.Feed([]byte("Which file should I refactor first?"))

	events := r.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected one classification, got %d events", len(events))
	}
	ev := events[1]
	if ev.Kind != EventInputRequired || ev.InputType != InputOpenQuestion {
		t.Fatalf("expected input_required/open_question, got %s/%s", ev.Kind, ev.InputType)
	}
	if !strings.HasSuffix(ev.Question, "?") {
		t.Fatalf("open question should end with ?, got %q", ev.Question)
	}
}

func TestPlainOutputEmitsActivityOnly(t *testing.T) {
	c, r := newTestClassifier()
	defer c.Close()

	c.Feed([]byte("compiled 14 packages in 2.1s"))

	events := r.snapshot()
	if len(events) != 1 || events[0].Kind != EventActivity {
		t.Fatalf("expected only activity, got %+v", events)
	}
}

func TestANSIEscapesAreStrippedForMatching(t *testing.T) {
	c, r := newTestClassifier()
	defer c.Close()

	c.Feed([]byte("\x1b[1;32mDo you want to proceed?\x1b[0m \x1b[2m(y/n)\x1b[0m"))

	events := r.snapshot()
	if len(events) != 2 || events[1].InputType != InputConfirmation {
		t.Fatalf("prompt under ANSI styling should still classify, got %+v", events)
	}
}

func TestPossiblyIdleAfterSilence(t *testing.T) {
	r := &recorder{}
	c := New(20*time.Millisecond, r.emit)
	defer c.Close()

	c.Feed([]byte("some output"))
	time.Sleep(100 * time.Millisecond)

	events := r.snapshot()
	last := events[len(events)-1]
	if last.Kind != EventPossiblyIdle {
		t.Fatalf("expected possibly_idle after silence, got %s", last.Kind)
	}
}

func TestIdleTimerResetsOnActivity(t *testing.T) {
	r := &recorder{}
	c := New(60*time.Millisecond, r.emit)
	defer c.Close()

	for i := 0; i < 4; i++ {
		c.Feed([]byte("tick"))
		time.Sleep(20 * time.Millisecond)
	}
	for _, ev := range r.snapshot() {
		if ev.Kind == EventPossiblyIdle {
			t.Fatal("possibly_idle fired despite continuous activity")
		}
	}
}

func TestReEntryOnRepeatedPrompt(t *testing.T) {
	c, r := newTestClassifier()
	defer c.Close()

	c.Feed([]byte("Do you want to proceed? (y/n)"))
	c.Feed([]byte("Do you want to proceed? (y/n)"))

	count := 0
	for _, ev := range r.snapshot() {
		if ev.Kind == EventInputRequired {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("a new chunk may re-fire the same event, got %d input_required", count)
	}
}

func TestWindowBounded(t *testing.T) {
	c, _ := newTestClassifier()
	defer c.Close()

	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = 'a'
	}
	for i := 0; i < 10; i++ {
		c.Feed(chunk)
	}

	c.mu.Lock()
	n := len(c.window)
	c.mu.Unlock()
	if n > windowSize {
		t.Fatalf("window grew past its bound: %d > %d", n, windowSize)
	}
}

func TestClosedClassifierIgnoresFeeds(t *testing.T) {
	c, r := newTestClassifier()
	c.Close()
	c.Feed([]byte("Do you want to proceed? (y/n)"))
	if len(r.snapshot()) != 0 {
		t.Fatal("closed classifier must not emit")
	}
}
