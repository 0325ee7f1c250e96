// Package bridge accepts key events from a compositor plugin over a line
// protocol and answers whether the compositor should process each key.
//
// Requests, one per line:
//
//	press <keysym> [keycode]
//	release <keysym> [keycode]
//
// Responses, one per request:
//
//	pass
//	drop
//	error <message>
//
// Keysyms use keysym.Parse syntax (Caps_Lock, h, 0xffe5, U+00E9). Blank
// lines and lines starting with '#' get no response.
package bridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"kbdmon/internal/keysym"
)

// Response lines.
const (
	RespPass  = "pass"
	RespDrop  = "drop"
	RespError = "error"
)

// ErrMalformed is wrapped by every request parse error.
var ErrMalformed = errors.New("malformed request")

// Request is one parsed key event.
type Request struct {
	Release bool
	Keysym  keysym.Key
	Keycode uint16
}

func (r Request) String() string {
	verb := "press"
	if r.Release {
		verb = "release"
	}
	if r.Keycode != 0 {
		return fmt.Sprintf("%s %s %d", verb, r.Keysym, r.Keycode)
	}
	return fmt.Sprintf("%s %s", verb, r.Keysym)
}

// ParseRequest parses one request line. ok is false for blank and comment
// lines.
func ParseRequest(line string) (req Request, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Request{}, false, nil
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 3 {
		return Request{}, true, fmt.Errorf("%w: want <press|release> <keysym> [keycode]", ErrMalformed)
	}

	switch strings.ToLower(fields[0]) {
	case "press":
	case "release":
		req.Release = true
	default:
		return Request{}, true, fmt.Errorf("%w: unknown verb %q", ErrMalformed, fields[0])
	}

	key, err := keysym.Parse(fields[1])
	if err != nil {
		return Request{}, true, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if key == keysym.NoSymbol {
		return Request{}, true, fmt.Errorf("%w: NoSymbol", ErrMalformed)
	}
	req.Keysym = key

	if len(fields) == 3 {
		code, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return Request{}, true, fmt.Errorf("%w: keycode %q", ErrMalformed, fields[2])
		}
		req.Keycode = uint16(code)
	}
	return req, true, nil
}

// FormatResponse returns the response line for a decision.
func FormatResponse(pass bool) string {
	if pass {
		return RespPass
	}
	return RespDrop
}

// FormatError returns the response line for a rejected request.
func FormatError(err error) string {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	return RespError + " " + msg
}
