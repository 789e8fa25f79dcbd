package lifecycle

import "strings"

// natoAlphabet is the fixed 26-symbol pool worker names are drawn from, in
// alphabetical (and so depth-1 lexicographic) order.
var natoAlphabet = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliett", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey",
	"xray", "yankee", "zulu",
}

// Depth returns a name's compound depth: 1 for a bare NATO symbol ("alpha"),
// 2 for "alpha-bravo", and so on.
func Depth(name string) int {
	return strings.Count(name, "-") + 1
}

// Less orders two names for display: shallower depth first, ties broken
// lexicographically within a depth. So alpha < zulu < alpha-alpha < alpha-bravo.
func Less(a, b string) bool {
	da, db := Depth(a), Depth(b)
	if da != db {
		return da < db
	}
	return a < b
}

// NextAvailable returns the n lexicographically-smallest names not present
// in used, scanning depth 1 first and only growing to depth d+1 once every
// depth-d compound is exhausted.
func NextAvailable(used map[string]bool, n int) []string {
	names := make([]string, 0, n)
	for depth := 1; len(names) < n; depth++ {
		for _, candidate := range combosOfDepth(depth) {
			if len(names) >= n {
				break
			}
			if !used[candidate] {
				names = append(names, candidate)
			}
		}
	}
	return names
}

// combosOfDepth enumerates every depth-length compound name over the NATO
// alphabet in lexicographic order: an odometer where the rightmost symbol
// advances fastest.
func combosOfDepth(depth int) []string {
	total := 1
	for i := 0; i < depth; i++ {
		total *= len(natoAlphabet)
	}
	out := make([]string, 0, total)
	idx := make([]int, depth)
	for c := 0; c < total; c++ {
		parts := make([]string, depth)
		for i, ix := range idx {
			parts[i] = natoAlphabet[ix]
		}
		out = append(out, strings.Join(parts, "-"))
		for i := depth - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(natoAlphabet) {
				break
			}
			idx[i] = 0
		}
	}
	return out
}
