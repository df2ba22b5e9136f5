package config

import (
	"math/rand/v2"
	"strings"
)

const trailerCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomTrailer returns length random lowercase alphanumerics. Request IDs are made of it.
func RandomTrailer(length int) string {
	var b strings.Builder
	b.Grow(length)
	for range length {
		b.WriteByte(trailerCharset[rand.IntN(len(trailerCharset))])
	}
	return b.String()
}
