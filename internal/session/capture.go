package session

import (
	"bytes"
	"fmt"
	"time"
)

// Capture pipeline. Activity events schedule a trailing-debounced capture;
// the capture runs capture-pane plus a cursor query, post-processes the
// screen, and emits only when the result differs from the last emission.
// Nothing is captured until a client has declared dimensions — emitting a
// default-size frame before the first resize would flash a wrongly-sized
// screen at every client.

// Resize applies new dimensions to the tmux window, opens the capture gate,
// and schedules a forced capture once the hosted TUI has had time to
// re-render after the window-change signal.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	unchanged := s.hasReceivedResize && cols == s.cols && rows == s.rows
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := s.driver.Resize(s.tmuxName, cols, rows); err != nil {
		// dedup state untouched so the next resize retries
		s.logger.Debug("tmux resize failed", "err", err)
		return nil
	}

	s.mu.Lock()
	s.cols = cols
	s.rows = rows
	s.hasReceivedResize = true
	s.lastEmittedScreen = nil
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.resizeTimer = time.AfterFunc(s.cfg.ResizeSettle, s.capture)
	s.mu.Unlock()

	s.topics.Updated.publish(s.Info())
	return nil
}

// triggerCapture schedules a capture on the trailing edge of the debounce
// window. Bursts of activity coalesce into at most one capture per window.
func (s *Session) triggerCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasReceivedResize {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.cfg.CaptureDebounce, s.capture)
}

// capture snapshots the pane once. If a capture is already in flight this
// one is skipped; the next debounce will re-run.
func (s *Session) capture() {
	s.mu.Lock()
	if s.captureInFlight {
		s.mu.Unlock()
		return
	}
	s.captureInFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.captureInFlight = false
		s.mu.Unlock()
	}()

	raw := s.driver.CapturePane(s.tmuxName)
	if len(raw) == 0 {
		return // transient tmux failure; next trigger retries
	}
	row, col := s.driver.CursorPosition(s.tmuxName)
	screen := PostProcessScreen(raw, row, col)

	s.mu.Lock()
	if bytes.Equal(screen, s.lastEmittedScreen) {
		s.mu.Unlock()
		return
	}
	s.lastEmittedScreen = screen
	s.mu.Unlock()

	s.topics.Output.publish(OutputEvent{SessionID: s.opts.ID, Content: screen})
}

// PostProcessScreen trims trailing whitespace from each row, strips
// trailing empty rows, and appends the cursor-position escape (1-based).
func PostProcessScreen(raw []byte, cursorRow, cursorCol int) []byte {
	rows := splitRows(raw)
	for i, r := range rows {
		rows[i] = bytes.TrimRight(r, " \t")
	}
	rows = trimTrailingEmpty(rows)
	out := joinRows(rows)
	return append(out, fmt.Appendf(nil, "\x1b[%d;%dH", cursorRow+1, cursorCol+1)...)
}

func splitRows(raw []byte) [][]byte {
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	return bytes.Split(raw, []byte("\n"))
}

func trimTrailingEmpty(rows [][]byte) [][]byte {
	end := len(rows)
	for end > 0 && len(bytes.TrimSpace(rows[end-1])) == 0 {
		end--
	}
	return rows[:end]
}

func joinRows(rows [][]byte) []byte {
	out := bytes.Join(rows, []byte("\n"))
	if len(out) > 0 {
		out = append(out, '\n')
	}
	return out
}
