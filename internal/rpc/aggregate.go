package rpc

import (
	"fmt"
	"sort"
)

// Count is one distinct value and how many nodes reported it.
type Count struct {
	Value string
	Count int
}

// Summary counts the distinct values of key across successful results,
// most frequent first. Ties sort by value.
func Summary(results []Result, key string) []Count {
	counts := make(map[string]int)
	for _, r := range results {
		if !r.OK() {
			continue
		}
		v, ok := r.Data[key]
		if !ok {
			continue
		}
		counts[fmt.Sprint(v)]++
	}

	out := make([]Count, 0, len(counts))
	for v, n := range counts {
		out = append(out, Count{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Sum adds up the numeric values of key across successful results and
// reports how many results contributed.
func Sum(results []Result, key string) (float64, int) {
	var (
		total float64
		n     int
	)
	for _, r := range results {
		if !r.OK() {
			continue
		}
		if f, ok := toFloat(r.Data[key]); ok {
			total += f
			n++
		}
	}
	return total, n
}

// Average is Sum divided by the number of contributing results. It
// reports false when no result carried a number.
func Average(results []Result, key string) (float64, bool) {
	total, n := Sum(results, key)
	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
