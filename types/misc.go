package types

// Contains miscellaneous functions and types

import (
	"log/slog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Incomparable is a zero-width incomparable type. If added as the
// first field in a struct, it marks that struct as not comparable
// (can't do == or be a map key) and usually doesn't add any width to
// the struct (unless the struct has only small fields).
//
// Be making a struct incomparable, you can prevent misuse (prevent
// people from using ==), but also you can shrink generated binaries,
// as the compiler can omit equality funcs from the binary.
//
// (Taken from the tailscale types library)
type Incomparable [0]func()

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K ~uint8 | ~int | ~uint16, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func PtrOr[T any](v *T, def T) T {
	if v == nil {
		return def
	} else {
		return *v
	}
}

// LevelTrace is below debug, for frame-level logging.
const LevelTrace slog.Level = -8
