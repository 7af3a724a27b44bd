package util

import (
	"math/rand"
)

// Random32 returns a random 32-bit value, used for source identifiers.
func Random32() uint32 {
	return rand.Uint32()
}

// RandomEven returns a random even number in [min, max). min must be even
// and smaller than max.
func RandomEven(min, max int) int {
	return min + 2*rand.Intn((max-min+1)/2)
}
