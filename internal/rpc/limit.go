package rpc

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidLimit is returned for limits that are neither counts nor percentages
	ErrInvalidLimit = errors.New("invalid limit specified")

	// ErrInvalidLimitMethod is returned for unknown limit methods
	ErrInvalidLimitMethod = errors.New("unknown limit method, must be random or first")

	// ErrInvalidBatchSize is returned for malformed batch sizes
	ErrInvalidBatchSize = errors.New("batch_size must be an integer or match a percentage string (e.g. '24%'")

	// ErrInvalidBatchSleep is returned for sleep times that are not numbers
	ErrInvalidBatchSleep = errors.New("invalid value for batch sleep time")

	percentPattern = regexp.MustCompile(`^(\d+)%$`)
	countPattern   = regexp.MustCompile(`^\d+$`)
)

// Limit caps how many discovered nodes receive a request. The zero value,
// and any count or percentage that is not positive, means no limit.
type Limit struct {
	Count   int
	Percent int
}

// IsZero reports whether no limit is set
func (l Limit) IsZero() bool { return l.Count <= 0 && l.Percent <= 0 }

// IsPercent reports whether the limit is relative to the discovered total
func (l Limit) IsPercent() bool { return l.Percent > 0 }

func (l Limit) String() string {
	switch {
	case l.IsPercent():
		return fmt.Sprintf("%d%%", l.Percent)
	case l.Count > 0:
		return strconv.Itoa(l.Count)
	default:
		return ""
	}
}

// Of resolves the limit against total nodes. Percentages round down but
// never below one. An unset limit resolves to total.
func (l Limit) Of(total int) int {
	switch {
	case l.IsPercent():
		return max(total*l.Percent/100, 1)
	case l.Count > 0:
		return l.Count
	default:
		return total
	}
}

// ParseLimit accepts an integer, a float (truncated), a numeric string or a
// percentage string. nil, false and counts below one clear the limit.
func ParseLimit(v any) (Limit, error) {
	switch t := v.(type) {
	case nil:
		return Limit{}, nil
	case bool:
		if !t {
			return Limit{}, nil
		}
	case int:
		return countLimit(t), nil
	case int64:
		return countLimit(int(t)), nil
	case float64:
		return countLimit(int(t)), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return Limit{}, nil
		}
		if m := percentPattern.FindStringSubmatch(s); m != nil {
			n, _ := strconv.Atoi(m[1])
			return Limit{Percent: n}, nil
		}
		if countPattern.MatchString(s) {
			n, _ := strconv.Atoi(s)
			return Limit{Count: n}, nil
		}
	}
	return Limit{}, fmt.Errorf("%w: %v", ErrInvalidLimit, v)
}

func countLimit(n int) Limit {
	if n <= 0 {
		return Limit{}
	}
	return Limit{Count: n}
}

// LimitMethod selects which nodes a limit keeps.
type LimitMethod string

const (
	First  LimitMethod = "first"
	Random LimitMethod = "random"
)

// ParseLimitMethod accepts "first" or "random", with or without a leading
// colon.
func ParseLimitMethod(s string) (LimitMethod, error) {
	switch m := LimitMethod(strings.TrimPrefix(strings.ToLower(s), ":")); m {
	case First, Random:
		return m, nil
	case "":
		return First, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidLimitMethod, s)
	}
}

// PickNodes applies limit to nodes. First keeps discovery order; random
// samples, repeatably when seed is set, and keeps the sample in discovery
// order.
func PickNodes(nodes []string, limit Limit, method LimitMethod, seed *int64) []string {
	if limit.IsZero() {
		return slices.Clone(nodes)
	}
	n := limit.Of(len(nodes))
	if n <= 0 || n >= len(nodes) {
		return slices.Clone(nodes)
	}

	if method != Random {
		return slices.Clone(nodes[:n])
	}

	var perm []int
	if seed != nil {
		perm = rand.New(rand.NewPCG(uint64(*seed), uint64(*seed))).Perm(len(nodes))
	} else {
		perm = rand.Perm(len(nodes))
	}
	picked := perm[:n]
	slices.Sort(picked)

	out := make([]string, 0, n)
	for _, i := range picked {
		out = append(out, nodes[i])
	}
	return out
}

// BatchSize splits a call into groups. The zero value disables batching.
type BatchSize struct {
	Count   int
	Percent int
}

// Enabled reports whether batching is on
func (b BatchSize) Enabled() bool { return b.Count > 0 || b.Percent > 0 }

func (b BatchSize) String() string {
	if b.Percent > 0 {
		return fmt.Sprintf("%d%%", b.Percent)
	}
	return strconv.Itoa(b.Count)
}

// Of resolves the batch size against total nodes, never below one.
func (b BatchSize) Of(total int) int {
	if b.Percent > 0 {
		return max(total*b.Percent/100, 1)
	}
	return b.Count
}

// ParseBatchSize accepts a non negative integer, a numeric string or a
// non zero percentage string. Zero disables batching.
func ParseBatchSize(v any) (BatchSize, error) {
	switch t := v.(type) {
	case int:
		if t >= 0 {
			return BatchSize{Count: t}, nil
		}
	case int64:
		if t >= 0 {
			return BatchSize{Count: int(t)}, nil
		}
	case string:
		s := strings.TrimSpace(t)
		if m := percentPattern.FindStringSubmatch(s); m != nil {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return BatchSize{Percent: n}, nil
			}
			break
		}
		if countPattern.MatchString(s) {
			n, _ := strconv.Atoi(s)
			return BatchSize{Count: n}, nil
		}
	}
	return BatchSize{}, ErrInvalidBatchSize
}

// ParseBatchSleep parses a sleep time given in (fractional) seconds.
func ParseBatchSleep(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBatchSleep, s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
