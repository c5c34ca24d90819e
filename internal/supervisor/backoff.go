package supervisor

import "time"

const (
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 45 * time.Second
	defaultResetEvery  = 9
	defaultMaxAttempts = 70
)

// Backoff computes retry delays for one address.
//
// The delay doubles on every retry up to Max, and the exponent falls back to
// zero every ResetEvery retries so that a long flapping period never settles
// on the maximum delay. Attempts are counted independently of the exponent.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	ResetEvery  int
	MaxAttempts int

	attempts int
	exponent int
}

// NewBackoff returns a Backoff with the default policy.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:        defaultBaseDelay,
		Max:         defaultMaxDelay,
		ResetEvery:  defaultResetEvery,
		MaxAttempts: defaultMaxAttempts,
	}
}

// Next records a failed attempt and returns the delay before the next one.
// ok is false once the attempt budget is exhausted.
func (b *Backoff) Next() (d time.Duration, ok bool) {
	b.attempts++
	if b.attempts > b.MaxAttempts {
		return 0, false
	}
	d = b.Max
	// Guard the shift, Base<<exponent overflows long before the exponent gets large.
	if b.exponent < 32 {
		if v := b.Base << b.exponent; v > 0 && v < b.Max {
			d = v
		}
	}
	b.exponent++
	if b.ResetEvery > 0 && b.attempts%b.ResetEvery == 0 {
		b.exponent = 0
	}
	return d, true
}

// Attempts returns the number of failed attempts recorded so far.
func (b *Backoff) Attempts() int {
	return b.attempts
}
