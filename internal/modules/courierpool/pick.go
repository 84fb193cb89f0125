package courierpool

import (
	"math/rand/v2"

	"marketplace/internal/types"
)

// PickRandom returns up to n distinct couriers sampled uniformly from pool.
// pool is not modified.
func PickRandom(pool []types.ID, n int) []types.ID {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	cp := make([]types.ID, len(pool))
	copy(cp, pool)
	if n >= len(cp) {
		rand.Shuffle(len(cp), func(i, j int) { cp[i], cp[j] = cp[j], cp[i] })
		return cp
	}
	// partial Fisher-Yates
	for i := 0; i < n; i++ {
		j := i + rand.IntN(len(cp)-i)
		cp[i], cp[j] = cp[j], cp[i]
	}
	return cp[:n]
}
