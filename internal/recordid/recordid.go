// Package recordid mints the identifiers attached to cheat records, edge
// cases, and training runs. IDs embed a millisecond timestamp in their high
// bits so that sorting them lexically sorts them by creation time, which
// keeps append-only logs greppable.
package recordid

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"time"
)

// Crockford base32, lowercase. No padding, no ambiguous characters.
const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

const encodedLen = 26

// Generator mints IDs with an optional static prefix ("cheat", "edge",
// "run"). The zero value is not usable; call New.
type Generator struct {
	prefix string
	now    func() time.Time
	rand   io.Reader
}

// New returns a production generator backed by the system clock and
// crypto/rand.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix, now: time.Now, rand: rand.Reader}
}

// NewDeterministic returns a generator with injected time and randomness for
// tests.
func NewDeterministic(prefix string, now func() time.Time, r io.Reader) *Generator {
	return &Generator{prefix: prefix, now: now, rand: r}
}

// ID returns a fresh identifier: 48 bits of unix milliseconds followed by 80
// random bits, base32 encoded, with the generator prefix if one was set.
func (g *Generator) ID() string {
	var raw [16]byte

	ms := g.now().UnixMilli()
	raw[0] = byte(ms >> 40)
	raw[1] = byte(ms >> 32)
	raw[2] = byte(ms >> 24)
	raw[3] = byte(ms >> 16)
	raw[4] = byte(ms >> 8)
	raw[5] = byte(ms)

	if _, err := io.ReadFull(g.rand, raw[6:]); err != nil {
		panic("recordid: read random bytes: " + err.Error())
	}

	encoded := encode(raw)
	if g.prefix == "" {
		return encoded
	}
	return g.prefix + "_" + encoded
}

// Validate checks the shape of an identifier produced by a generator with
// the same prefix.
func Validate(prefix, id string) error {
	if prefix != "" {
		want := prefix + "_"
		if !strings.HasPrefix(id, want) {
			return fmt.Errorf("recordid: missing %q prefix", prefix)
		}
		id = id[len(want):]
	}
	if len(id) != encodedLen {
		return fmt.Errorf("recordid: expected %d encoded characters, got %d", encodedLen, len(id))
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(alphabet, rune(id[i])) {
			return fmt.Errorf("recordid: invalid character %q at position %d", id[i], i)
		}
	}
	return nil
}

// encode renders 128 bits as 26 base32 characters, most significant bits
// first so the timestamp prefix dominates ordering.
func encode(data [16]byte) string {
	var out [encodedLen]byte
	var acc uint64
	bits, n := 0, 0
	for _, b := range data {
		acc = acc<<8 | uint64(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out[n] = alphabet[(acc>>uint(bits))&0x1f]
			n++
		}
	}
	if bits > 0 {
		out[n] = alphabet[(acc<<uint(5-bits))&0x1f]
		n++
	}
	return string(out[:n])
}
