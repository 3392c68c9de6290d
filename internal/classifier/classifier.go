// Package classifier infers session state from raw terminal output. The
// hosted assistant is a third-party TUI that cannot be instrumented, so
// state is read off its rendered bytes: a rolling context window is kept,
// ANSI escapes are stripped for matching, and each chunk is tested against
// ordered pattern families. Context exhaustion dominates working
// indicators, which dominate input prompts; a single chunk fires at most
// one classification event, and activity is always emitted first.
package classifier

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"time"
)

// EventKind discriminates classifier events.
type EventKind int

const (
	EventActivity EventKind = iota
	EventWorking
	EventPossiblyIdle
	EventInputRequired
	EventContextExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventActivity:
		return "activity"
	case EventWorking:
		return "working"
	case EventPossiblyIdle:
		return "possibly_idle"
	case EventInputRequired:
		return "input_required"
	case EventContextExhausted:
		return "context_exhausted"
	}
	return "unknown"
}

// Input prompt kinds for EventInputRequired.
const (
	InputConfirmation = "confirmation"
	InputSelection    = "selection"
	InputOpenQuestion = "open_question"
)

// Event is one classifier emission.
type Event struct {
	Kind      EventKind
	InputType string   // set for EventInputRequired
	Question  string   // set for EventInputRequired
	Options   []string // set for selection prompts
	Window    string   // set for EventContextExhausted (cleaned context)
}

// windowSize is the rolling context kept for question/option extraction.
const windowSize = 10000

// strip ANSI escapes for pattern matching (replace with space to preserve
// word boundaries).
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z~]|\x1b\].*?(?:\x07|\x1b\\)|\x1b[()][0-9A-B]`)
var multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)

// Ordered family 1: context exhaustion.
var contextRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context (window|limit)`),
	regexp.MustCompile(`(?i)too long`),
	regexp.MustCompile(`(?i)maximum.*token`),
	regexp.MustCompile(`(?i)conversation is too long`),
	regexp.MustCompile(`(?i)context.*exceeded`),
}

// Ordered family 2: working indicators.
var workingRe = regexp.MustCompile(`(?:^|[\s(])(Thinking|Reading|Writing|Running|Searching|Analyzing|Editing|Creating)\b`)

const spinnerRunes = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏"

// Ordered family 3: input prompts, tested in this order.
var (
	confirmRe  = regexp.MustCompile(`\(y/n\)|\[Y/n\]|\[yes/no\]|(?i)\bDo you want to\b`)
	approvalRe = regexp.MustCompile(`(?i)Allow .{1,80}? to run|Press Enter to (run|Approve|Reject|Edit)`)
	selectRe   = regexp.MustCompile(`(?i)Choose an option|Select .{1,60}?:|(?m)^\s*\[\d+\]`)
	optionRe   = regexp.MustCompile(`\[(\d+)\]\s*([^\n\[\]]+)`)
	questionRe = regexp.MustCompile(`\?|\(y/n\)`)
)

// Classifier consumes a never-ending byte stream and emits events through
// the callback given at construction. Feed is safe for one producer; the
// idle timer fires on its own goroutine.
type Classifier struct {
	mu     sync.Mutex
	window []byte
	emit   func(Event)

	idleThreshold time.Duration
	idleTimer     *time.Timer
	closed        bool
}

// New returns a classifier delivering events to emit. idleThreshold is the
// silence period after which possibly_idle fires.
func New(idleThreshold time.Duration, emit func(Event)) *Classifier {
	return &Classifier{
		idleThreshold: idleThreshold,
		emit:          emit,
	}
}

// Feed processes one chunk of raw terminal bytes.
func (c *Classifier) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.window = append(c.window, chunk...)
	if len(c.window) > windowSize {
		c.window = c.window[len(c.window)-windowSize:]
	}
	cleanWindow := clean(c.window)
	c.resetIdleTimerLocked()
	c.mu.Unlock()

	c.emit(Event{Kind: EventActivity})

	cleanChunk := clean(chunk)
	if ev, ok := classify(cleanChunk, cleanWindow); ok {
		c.emit(ev)
	}
}

// Close stops the idle timer. Further Feeds are ignored.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Classifier) resetIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.idleThreshold, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.emit(Event{Kind: EventPossiblyIdle})
		}
	})
}

// classify tests the chunk against the ordered pattern families, returning
// after the first hit.
func classify(chunk, window string) (Event, bool) {
	for _, re := range contextRes {
		if re.MatchString(chunk) {
			return Event{Kind: EventContextExhausted, Window: window}, true
		}
	}

	if workingRe.MatchString(chunk) || strings.ContainsAny(chunk, spinnerRunes) {
		return Event{Kind: EventWorking}, true
	}

	if confirmRe.MatchString(chunk) || approvalRe.MatchString(chunk) {
		return Event{
			Kind:      EventInputRequired,
			InputType: InputConfirmation,
			Question:  extractQuestion(window),
		}, true
	}
	if selectRe.MatchString(chunk) {
		return Event{
			Kind:      EventInputRequired,
			InputType: InputSelection,
			Question:  extractQuestion(window),
			Options:   extractOptions(window),
		}, true
	}
	if endsWithQuestion(chunk) {
		return Event{
			Kind:      EventInputRequired,
			InputType: InputOpenQuestion,
			Question:  extractQuestion(window),
		}, true
	}

	return Event{}, false
}

// clean strips ANSI escapes and normalizes line endings and runs of
// whitespace so the prompt patterns see plain text.
func clean(data []byte) string {
	out := ansiRe.ReplaceAll(data, []byte(" "))
	out = bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))
	out = multiSpaceRe.ReplaceAll(out, []byte(" "))
	return string(out)
}

// extractQuestion returns the last line containing '?' or '(y/n)', else
// the last non-empty line.
func extractQuestion(window string) string {
	lines := strings.Split(window, "\n")
	lastNonEmpty := ""
	question := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lastNonEmpty = trimmed
		if questionRe.MatchString(trimmed) {
			question = trimmed
		}
	}
	if question != "" {
		return question
	}
	return lastNonEmpty
}

// extractOptions returns the text following each [N] marker.
func extractOptions(window string) []string {
	var opts []string
	for _, m := range optionRe.FindAllStringSubmatch(window, -1) {
		if text := strings.TrimSpace(m[2]); text != "" {
			opts = append(opts, text)
		}
	}
	return opts
}

// endsWithQuestion reports whether the last non-empty line of the chunk
// trails with '?'.
func endsWithQuestion(chunk string) bool {
	lines := strings.Split(chunk, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		return strings.HasSuffix(trimmed, "?")
	}
	return false
}
