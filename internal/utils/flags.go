package utils

import (
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping collects registered names for the individual bits of a flag type, so that
// combined flag values can render a readable String()
type FlagStringMapping[T constraints.Integer] struct {
	mapping map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{mapping: make(map[T]string)}
}

// Register assigns a name to a single flag bit
func (m FlagStringMapping[T]) Register(value T, name string) {
	m.mapping[value] = name
}

// FlagsToString renders a combined flag value as its registered bit names joined with "|".
// Bits without a registered name render as "?".
func (m FlagStringMapping[T]) FlagsToString(value T) string {
	var sb strings.Builder

	for bit := 0; bit < 64; bit++ {
		checkBit := T(1) << bit
		if checkBit == 0 || value&checkBit == 0 {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteString("|")
		}

		name, ok := m.mapping[checkBit]
		if !ok {
			name = "?"
		}
		sb.WriteString(name)
	}

	return sb.String()
}
