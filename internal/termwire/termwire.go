// Package termwire speaks the in-container terminal daemon's framing: a
// one-byte type prefix on every frame, JSON payloads for resize and the
// opening handshake, and a client-side filter that keeps mouse reports out
// of the shell's stdin.
package termwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Frame type prefixes. '1' is direction-dependent: daemon→client carries
// the window title, client→daemon carries a resize.
const (
	TypeData     byte = '0'
	TypeTitle    byte = '1'
	TypeResize   byte = '1'
	TypeReserved byte = '2'
)

// Handshake is the first frame the client sends after the socket opens.
// AuthToken stays empty: the proxy authenticated the user before bridging,
// and the daemon only checks the field's presence. The mixed key casing is
// the daemon's, not ours.
type Handshake struct {
	AuthToken string `json:"AuthToken"`
	Columns   int    `json:"columns"`
	Rows      int    `json:"rows"`
}

// Resize is the payload of a client→daemon '1' frame.
type Resize struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// EncodeHandshake builds the opening handshake frame (no type prefix).
func EncodeHandshake(columns, rows int) ([]byte, error) {
	b, err := json.Marshal(Handshake{Columns: columns, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("encoding handshake: %w", err)
	}
	return b, nil
}

// EncodeResize builds a '1'-prefixed resize frame.
func EncodeResize(columns, rows int) ([]byte, error) {
	payload, err := json.Marshal(Resize{Columns: columns, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("encoding resize: %w", err)
	}
	return append([]byte{TypeResize}, payload...), nil
}

// EncodeData builds a '0'-prefixed data frame from user input, with mouse
// reports stripped.
func EncodeData(text string) []byte {
	return append([]byte{TypeData}, FilterMouse(text)...)
}

// Decode splits a raw frame into type byte and payload.
func Decode(raw []byte) (byte, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, errors.New("empty frame")
	}
	return raw[0], raw[1:], nil
}

// Mouse-report shapes terminals emit when mouse tracking is on: SGR
// (CSI < b;x;y M/m), classic X10 (CSI M + three printable bytes), and the
// urxvt decimal variant (CSI b;x;y M/m).
var mouseReports = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[<\d+;\d+;\d+[Mm]`),
	regexp.MustCompile(`\x1b\[M[\x20-\x7f]{3}`),
	regexp.MustCompile(`\x1b\[\d+;\d+;\d+[Mm]`),
}

// FilterMouse strips mouse-report sequences from user input. A drag over
// the browser terminal must not reach the shell as literal bytes.
func FilterMouse(s string) string {
	for _, re := range mouseReports {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

// endMarkers are printed by terminal multiplexers as they shut down.
var endMarkers = []string{
	"screen is terminating",
	"session terminated",
	"[exited]",
	"no server running",
}

// SessionEnded reports whether a daemon→client data payload announces the
// in-container session is gone. Matching is case-insensitive.
func SessionEnded(payload string) bool {
	lower := strings.ToLower(payload)
	for _, m := range endMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
