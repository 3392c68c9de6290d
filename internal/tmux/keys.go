package tmux

// Named tmux keys ccremote knows how to send.
const (
	KeyCtrlC     = "C-c"
	KeyEscape    = "Escape"
	KeyEnter     = "Enter"
	KeyTab       = "Tab"
	KeyBackspace = "BSpace"
	KeyUp        = "Up"
	KeyDown      = "Down"
	KeyLeft      = "Left"
	KeyRight     = "Right"
	KeyPageUp    = "PageUp"
	KeyPageDown  = "PageDown"
)

// rawEncodings maps the closed set of raw terminal input encodings clients
// send to tmux key names. Anything not in this table is sent literally.
var rawEncodings = map[string]string{
	"\x03":    KeyCtrlC,
	"\x1b":    KeyEscape,
	"\r":      KeyEnter,
	"\n":      KeyEnter,
	"\t":      KeyTab,
	"\x7f":    KeyBackspace,
	"\b":      KeyBackspace,
	"\x1b[A":  KeyUp,
	"\x1b[B":  KeyDown,
	"\x1b[C":  KeyRight,
	"\x1b[D":  KeyLeft,
	"\x1b[5~": KeyPageUp,
	"\x1b[6~": KeyPageDown,
}

// TranslateRawKey resolves a client key payload to a named tmux key.
// ok=false means the input is not a recognized encoding and must be sent
// as literal text.
func TranslateRawKey(input string) (named string, ok bool) {
	named, ok = rawEncodings[input]
	return named, ok
}

// SendKey sends a single client key payload: a recognized raw encoding
// becomes its named key, everything else goes through literally.
func (d *Driver) SendKey(name, input string) error {
	if named, ok := TranslateRawKey(input); ok {
		return d.SendNamedKey(name, named)
	}
	return d.SendLiteral(name, input)
}
