package playback

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// ErrInvalidSpeed is returned for a speed with a zero denominator.
var ErrInvalidSpeed = errors.New("invalid playback speed")

// Speed is a signed rational playback rate: trace time advances by
// Num/Den nanoseconds per wall-clock nanosecond. Negative speeds play in reverse.
type Speed struct {
	Num int64
	Den int64
}

// Normal plays back in real time.
var Normal = Speed{Num: 1, Den: 1}

// NewSpeed returns num/den in lowest terms with a positive denominator.
func NewSpeed(num, den int64) (Speed, error) {
	if den == 0 {
		return Speed{}, fmt.Errorf("%w: %d/0", ErrInvalidSpeed, num)
	}
	if den < 0 {
		if num == math.MinInt64 || den == math.MinInt64 {
			return Speed{}, fmt.Errorf("%w: %d/%d overflows", ErrInvalidSpeed, num, den)
		}
		num, den = -num, -den
	}
	if g := gcd(num, den); g > 1 {
		num, den = num/g, den/g
	}
	return Speed{Num: num, Den: den}, nil
}

// ParseSpeed parses "num" or "num/den", e.g. "2", "-1", "1/4".
func ParseSpeed(s string) (Speed, error) {
	numStr, denStr, hasDen := strings.Cut(strings.TrimSpace(s), "/")
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return Speed{}, fmt.Errorf("%w: %q: %w", ErrInvalidSpeed, s, err)
	}
	den := int64(1)
	if hasDen {
		den, err = strconv.ParseInt(denStr, 10, 64)
		if err != nil {
			return Speed{}, fmt.Errorf("%w: %q: %w", ErrInvalidSpeed, s, err)
		}
	}
	return NewSpeed(num, den)
}

// Reverse returns the same rate in the opposite direction.
func (s Speed) Reverse() Speed {
	return Speed{Num: -s.Num, Den: s.Den}
}

// Forward reports whether the speed is positive.
func (s Speed) Forward() bool {
	return s.Num > 0
}

func (s Speed) String() string {
	if s.Den == 1 {
		return strconv.FormatInt(s.Num, 10) + "x"
	}
	return fmt.Sprintf("%d/%dx", s.Num, s.Den)
}

// advance computes Num*elapsed/Den plus a carried remainder, returning the
// whole nanoseconds and the new remainder. The carry keeps slow speeds from
// stalling on small frame deltas.
func (s Speed) advance(elapsed, carry int64) (delta, rem int64) {
	if s.Den == 0 {
		return 0, 0
	}
	n := new(big.Int).Mul(big.NewInt(s.Num), big.NewInt(elapsed))
	n.Add(n, big.NewInt(carry))

	q, r := new(big.Int).QuoRem(n, big.NewInt(s.Den), new(big.Int))
	if !q.IsInt64() {
		if q.Sign() > 0 {
			return math.MaxInt64, 0
		}
		return math.MinInt64, 0
	}
	return q.Int64(), r.Int64()
}

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
