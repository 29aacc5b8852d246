package enricher

import (
	"errors"
	"fmt"
	"net/netip"
)

var ErrMalformedAddress = errors.New("malformed ipv4 address")

type ClassifierOption func(*Classifier)

// WithLegacyLoopbackPrivate switches the private predicate to the one used by
// earlier deployments: 127.16.0.0/12 counts as private and 172.16.0.0/12 does
// not. Only useful when output must match historical data.
func WithLegacyLoopbackPrivate(enabled bool) ClassifierOption {
	return func(c *Classifier) {
		c.legacy = enabled
	}
}

// Classifier derives a flow's direction from the privacy of its endpoints.
type Classifier struct {
	legacy bool
}

func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsPrivate reports whether addr falls in a private block. Empty or malformed
// addresses are not private; malformed ones also return ErrMalformedAddress.
func (c *Classifier) IsPrivate(addr string) (bool, error) {
	if addr == "" {
		return false, nil
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is4() {
		return false, fmt.Errorf("%w: %q", ErrMalformedAddress, addr)
	}
	b := ip.As4()
	switch {
	case b[0] == 10:
		return true, nil
	case b[0] == 192 && b[1] == 168:
		return true, nil
	case c.legacy:
		return b[0] == 127 && b[1] >= 16 && b[1] <= 31, nil
	default:
		return b[0] == 172 && b[1] >= 16 && b[1] <= 31, nil
	}
}

// Classify returns the direction of a flow from src to dst:
//
//	src private, dst private:  Incoming
//	src private only:          Outgoing
//	dst private only:          Incoming
//	neither:                   Outgoing
//
// A malformed address counts as public; the direction is still returned
// alongside the error.
func (c *Classifier) Classify(src, dst string) (Direction, error) {
	_, srcErr := c.IsPrivate(src)
	dstPrivate, dstErr := c.IsPrivate(dst)
	err := errors.Join(srcErr, dstErr)

	// The table collapses to the destination's privacy.
	if dstPrivate {
		return DirectionIncoming, err
	}
	return DirectionOutgoing, err
}
