package manager

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultMinBackOff = 7 * time.Second
	DefaultMaxBackOff = 20 * time.Second
)

var addressPattern = regexp.MustCompile(`^wss?://.`)

// ParseAddress accepts ws:// and wss:// followed by at least one character
func ParseAddress(address string) (*url.URL, error) {
	if !addressPattern.MatchString(address) {
		return nil, fmt.Errorf("%w: %q", ErrAddressDisabled, address)
	}

	connUrl, err := url.Parse(address)
	if err != nil {
		return nil, &InvalidAddressError{Address: address, Err: err}
	}
	return connUrl, nil
}

// UniformBackOff picks every delay uniformly from [Min, Max) so that clients who
// lost their connection at the same moment do not all come back at once. It
// satisfies backoff.BackOff and keeps no state, so Reset does nothing.
type UniformBackOff struct {
	Min time.Duration
	Max time.Duration
}

func NewUniformBackOff(min, max time.Duration) *UniformBackOff {
	return &UniformBackOff{Min: min, Max: max}
}

func (u *UniformBackOff) NextBackOff() time.Duration {
	span := u.Max - u.Min
	if span <= 0 {
		return u.Min
	}

	// Jitter(span, 1) lands in [span, 2*span)
	delay := u.Min + wait.Jitter(span, 1.0) - span

	// float rounding can push us onto the upper bound
	if delay >= u.Max {
		delay = u.Max - 1
	} else if delay < u.Min {
		delay = u.Min
	}
	return delay
}

func (u *UniformBackOff) Reset() {}
