package matrix

import (
	"math"
	"math/rand"
	"sort"
)

// groupCount returns the number of rows for n commits and up to d
// culprits. Random d-disjunct constructions need O(d^2 log n) rows;
// the constant 4 gives a comfortable success probability in practice.
// Clamped to at least 2d rows and at most n (individual testing).
func groupCount(n, d int) int {
	if n <= 1 {
		return 0
	}
	rows := int(math.Ceil(4 * float64(d*d) * math.Log2(float64(n))))
	if min := 2 * d; rows < min {
		rows = min
	}
	if rows > n {
		rows = n
	}
	return rows
}

// columnWeight returns how many rows each commit joins. Weight
// O(d log n) keeps any single column from being swallowed by d
// others. Clamped to at least d+1 and at most the row count.
func columnWeight(n, d, rows int) int {
	if n <= 1 || rows <= 0 {
		return 0
	}
	w := int(math.Ceil(2 * float64(d) * math.Log2(float64(n))))
	if w < d+1 {
		w = d + 1
	}
	if w > rows {
		w = rows
	}
	return w
}

// randomMembership assigns each of n commits to columnWeight rows
// chosen uniformly at random. The result has one sorted member slice
// per row. A zero seed draws a fresh one.
func randomMembership(n, d, rows int, seed int64) [][]int {
	if seed == 0 {
		seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seed))
	weight := columnWeight(n, d, rows)

	sets := make([]map[int]struct{}, rows)
	for i := range sets {
		sets[i] = make(map[int]struct{})
	}
	for col := 0; col < n; col++ {
		for _, row := range pickRows(rng, rows, weight) {
			sets[row][col] = struct{}{}
		}
	}

	membership := make([][]int, rows)
	for i, set := range sets {
		members := make([]int, 0, len(set))
		for col := range set {
			members = append(members, col)
		}
		sort.Ints(members)
		membership[i] = members
	}
	return membership
}

// pickRows samples k distinct values from [0, n).
func pickRows(rng *rand.Rand, n, k int) []int {
	if k >= n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	seen := make(map[int]struct{}, k)
	picked := make([]int, 0, k)
	for len(picked) < k {
		row := rng.Intn(n)
		if _, dup := seen[row]; dup {
			continue
		}
		seen[row] = struct{}{}
		picked = append(picked, row)
	}
	return picked
}
