// Package paramstring parses programmer parameter strings of the form
// "key=value[,key=value]", the format a command line or library caller
// uses to configure a transport (e.g. "bus=0,cs=1" for a SPI master).
//
// Adapted from config/configparser's rune-at-a-time optionLine scanner
// (skipSpace/getNext/isEOL), generalized from its "model name + hex
// device address" shape to plain comma-separated key=value pairs.
package paramstring

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrDuplicateKey is returned when the same key appears twice in one
// parameter string.
var ErrDuplicateKey = errors.New("paramstring: duplicate key")

// scanner walks a parameter string one rune at a time, mirroring
// optionLine's pos-indexed cursor.
type scanner struct {
	s   string
	pos int
}

func (sc *scanner) isEOL() bool { return sc.pos >= len(sc.s) }

func (sc *scanner) peek() byte {
	if sc.isEOL() {
		return 0
	}
	return sc.s[sc.pos]
}

func (sc *scanner) skipSpace() {
	for !sc.isEOL() && unicode.IsSpace(rune(sc.s[sc.pos])) {
		sc.pos++
	}
}

// token reads until it hits one of the stop bytes (or end of string),
// trimming surrounding space.
func (sc *scanner) token(stop ...byte) string {
	start := sc.pos
	for !sc.isEOL() {
		b := sc.s[sc.pos]
		stopped := false
		for _, s := range stop {
			if b == s {
				stopped = true
				break
			}
		}
		if stopped {
			break
		}
		sc.pos++
	}
	return strings.TrimSpace(sc.s[start:sc.pos])
}

// Parse splits a "key=value,key2=value2" string into a map.
// A key with no "=value" part maps to the empty string, matching
// flashrom-style boolean switches (e.g. "fast-verify").
func Parse(s string) (map[string]string, error) {
	result := map[string]string{}
	sc := &scanner{s: s}

	for {
		sc.skipSpace()
		if sc.isEOL() {
			break
		}
		key := sc.token('=', ',')
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("paramstring: empty key at position %d in %q", sc.pos, s)
		}

		value := ""
		if sc.peek() == '=' {
			sc.pos++ // consume '='
			value = sc.token(',')
		}

		if _, dup := result[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		result[key] = value

		sc.skipSpace()
		if sc.isEOL() {
			break
		}
		if sc.peek() != ',' {
			return nil, fmt.Errorf("paramstring: expected ',' at position %d in %q", sc.pos, s)
		}
		sc.pos++ // consume ','
	}
	return result, nil
}

// MustParse is Parse, panicking on error; reserved for callers dealing
// in constant parameter strings (tests, compiled-in defaults).
func MustParse(s string) map[string]string {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}
