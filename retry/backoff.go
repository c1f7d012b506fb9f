package retry

import (
	"math"
	"time"
)

// Strategy selects the backoff curve applied between attempts.
type Strategy string

const (
	StrategyFixed              Strategy = "fixed"
	StrategyLinear             Strategy = "linear"
	StrategyExponential        Strategy = "exponential"
	StrategyFibonacci          Strategy = "fibonacci"
	StrategyDecorrelatedJitter Strategy = "decorrelated_jitter"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyFibonacci, StrategyDecorrelatedJitter:
		return true
	}
	return false
}

// rawDelay computes the curve value for a 1-indexed attempt, in float64
// nanoseconds so scaling and clamping cannot overflow on deep attempts.
// The decorrelated strategy grows on 3^(n-1) and carries its own cap and
// randomness; the generic jitter step never applies to it.
func rawDelay(strategy Strategy, attempt int, base, max time.Duration, randFloat func() float64) float64 {
	b := float64(base)
	n := float64(attempt)

	switch strategy {
	case StrategyFixed:
		return b
	case StrategyLinear:
		return b * n
	case StrategyFibonacci:
		return b * fib(attempt)
	case StrategyDecorrelatedJitter:
		hi := b * math.Pow(3, n-1)
		d := b + randFloat()*(hi-b)
		if m := float64(max); max > 0 && d > m {
			d = m
		}
		return d
	default: // exponential
		return b * math.Pow(2, n-1)
	}
}

// delayWith runs the full delay pipeline: curve, optional ±30% jitter,
// classification floor, clamp to [0, MaxDelay].
func delayWith(p Policy, attempt int, floor time.Duration, randFloat func() float64) time.Duration {
	d := rawDelay(p.Strategy, attempt, p.BaseDelay, p.MaxDelay, randFloat)

	if p.Jitter && p.Strategy != StrategyDecorrelatedJitter {
		d *= 0.7 + randFloat()*0.6
	}
	if f := float64(floor); f > d {
		d = f
	}
	if m := float64(p.MaxDelay); p.MaxDelay > 0 && d > m {
		d = m
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// fib returns the n-th Fibonacci number (fib(1)=fib(2)=1) as float64;
// precision above 2^53 does not matter because the result is clamped.
func fib(n int) float64 {
	if n <= 2 {
		return 1
	}
	a, b := 1.0, 1.0
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
