// Package roomcode generates and validates the short codes players type to
// find a room. The alphabet leaves out I, L, O, 0 and 1.
package roomcode

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

const (
	Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	Length   = 4

	maxAttempts = 64
)

// ErrExhausted is returned when no free code was found.
var ErrExhausted = errors.New("roomcode: no free code")

// New returns a random code that taken reports as unused. taken may be nil.
func New(taken func(code string) bool) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		code, err := random()
		if err != nil {
			return "", err
		}
		if taken == nil || !taken(code) {
			return code, nil
		}
	}
	return "", ErrExhausted
}

func random() (string, error) {
	var b strings.Builder
	b.Grow(Length)
	limit := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Normalize upper-cases and trims user input.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether code has the right length and only alphabet characters.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
