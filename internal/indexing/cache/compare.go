package cache

import "math/big"

// cmpBig compares two possibly nil integers; nil sorts as zero.
func cmpBig(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}
