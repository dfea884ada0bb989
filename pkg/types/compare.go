package types

import "bytes"

// CompareKeys orders keys lexicographically, byte by byte, treating every
// byte as unsigned. A strict prefix sorts before the longer key.
func CompareKeys(a, b Key) int {
	return bytes.Compare(a, b)
}

// KeyLess is CompareKeys(a, b) < 0, in the shape ordered containers expect.
func KeyLess(a, b Key) bool {
	return bytes.Compare(a, b) < 0
}
