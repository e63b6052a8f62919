package rides

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// GenerateOTP returns a numeric code of exactly length digits drawn from
// crypto/rand, so it carries no information about the ride.
func GenerateOTP(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("otp length must be positive, got %d", length)
	}
	buf := make([]byte, length)
	ten := big.NewInt(10)
	for i := range buf {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

func otpEqual(stored, supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// otpFailureTTL is how long a ride's failure count is kept after its last
// wrong code. A lockout lifts once the count expires.
const otpFailureTTL = time.Hour

// otpLimiter counts wrong codes per ride. Once a ride reaches max failures no
// further code is checked for it. Zero max disables the limit. Counts expire
// ttl after the last failure and are swept whenever a new failure is recorded.
type otpLimiter struct {
	mu       sync.Mutex
	max      int
	ttl      time.Duration
	now      func() time.Time
	failures map[string]otpFailures
}

type otpFailures struct {
	n    int
	last time.Time
}

func newOtpLimiter(max int) *otpLimiter {
	return &otpLimiter{max: max, ttl: otpFailureTTL, now: time.Now, failures: make(map[string]otpFailures)}
}

func (l *otpLimiter) locked(rideID string) bool {
	if l.max <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.failures[rideID]
	if !ok || l.expired(f, l.now()) {
		return false
	}
	return f.n >= l.max
}

func (l *otpLimiter) fail(rideID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, f := range l.failures {
		if l.expired(f, now) {
			delete(l.failures, id)
		}
	}
	f := l.failures[rideID]
	f.n++
	f.last = now
	l.failures[rideID] = f
	return f.n
}

func (l *otpLimiter) reset(rideID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, rideID)
}

func (l *otpLimiter) expired(f otpFailures, now time.Time) bool {
	return now.Sub(f.last) > l.ttl
}
