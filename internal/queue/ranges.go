package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPosition marks a position list or destination that does not
// fit the queue.
var ErrInvalidPosition = errors.New("invalid position")

// MaxPositions bounds how many positions one position list may expand to.
const MaxPositions = 1 << 20

// ExpandRanges turns "1,3-5,7" into [1 3 4 5 7]. Positions are 1-based and
// kept in the order written. Lists longer than MaxPositions are rejected
// before anything is expanded.
func ExpandRanges(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty position list", ErrInvalidPosition)
	}
	var out []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parsePosition(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parsePosition(hi); err != nil {
				return nil, err
			}
			if end < start {
				return nil, fmt.Errorf("%w: range %q runs backwards", ErrInvalidPosition, part)
			}
		}
		if end-start+1 > MaxPositions-len(out) {
			return nil, fmt.Errorf("%w: more than %d positions", ErrInvalidPosition, MaxPositions)
		}
		for p := start; p <= end; p++ {
			out = append(out, p)
		}
	}
	return out, nil
}

func parsePosition(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w %q", ErrInvalidPosition, raw)
	}
	return n, nil
}

// ParseDestination resolves a reorder target against a queue of length n.
// "top" is 1 and "bottom" is n.
func ParseDestination(to string, n int) (int, error) {
	switch strings.ToLower(strings.TrimSpace(to)) {
	case "top":
		return 1, nil
	case "bottom":
		return n, nil
	}
	pos, err := parsePosition(to)
	if err != nil {
		return 0, err
	}
	if pos > n {
		return 0, fmt.Errorf("%w: destination %d is outside the queue (1-%d)", ErrInvalidPosition, pos, n)
	}
	return pos, nil
}
