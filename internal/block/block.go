// Package block derives fixed-length blocks from passwords.
//
// The leaked passwords were encrypted in fixed-size cipher blocks, so a
// 12-byte value holds one 11-byte block and a 24-byte value holds two.
// Other lengths are skipped.
package block

import (
	"regexp"

	"github.com/abelbrown/blockgraph/internal/model"
)

// Size is the length of one block in bytes.
const Size = 11

const (
	singleLen = 12
	doubleLen = 24
)

// bogusHint matches hints that were mangled into whitespace and question
// marks by the upstream decoding.
var bogusHint = regexp.MustCompile(`^[\s?]+$`)

// Derive returns the blocks of password in order: one block for a 12-byte
// password, two for a 24-byte password, none otherwise.
func Derive(password string) []model.Block {
	switch len(password) {
	case singleLen:
		return []model.Block{model.Block(password[:Size])}
	case doubleLen:
		return []model.Block{
			model.Block(password[:Size]),
			model.Block(password[Size : 2*Size]),
		}
	default:
		return nil
	}
}

// BogusHint reports whether hint is a decoding artifact.
func BogusHint(hint string) bool {
	return bogusHint.MatchString(hint)
}

// Usable reports whether a record contributes to aggregation: it needs a
// password and a non-bogus hint.
func Usable(r model.Record) bool {
	return r.Hint != "" && r.Password != "" && !BogusHint(r.Hint)
}
