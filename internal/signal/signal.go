package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction is one source's directional opinion on an instrument.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

func (d Direction) Valid() bool {
	return d == Long || d == Short || d == Flat
}

// Sign maps a direction onto the voting axis used by fusion.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// Kind distinguishes push-based alert producers from pull-based AI models.
type Kind string

const (
	KindAlert Kind = "alert"
	KindModel Kind = "model"
)

// Signal is the normalized representation every producer is mapped onto.
type Signal struct {
	Source     string        `json:"source"`
	Kind       Kind          `json:"kind"`
	Instrument string        `json:"instrument"`
	Direction  Direction     `json:"direction"`
	Confidence float64       `json:"confidence"`
	At         time.Time     `json:"at"`
	TTL        time.Duration `json:"ttl"`
	DeliveryID string        `json:"delivery_id,omitempty"`
	RawRef     string        `json:"raw_ref,omitempty"`

	// Degraded marks a model signal produced by a fallback source after the
	// primary failed. Decisions built on degraded signals get their
	// confidence capped downstream.
	Degraded bool `json:"degraded,omitempty"`
}

// ExpiresAt returns the end of the validity window.
func (s Signal) ExpiresAt() time.Time {
	return s.At.Add(s.TTL)
}

// Expired signals are inert and must never be fused.
func (s Signal) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// ErrMalformed is returned for input rejected at the boundary. It is logged
// and dropped, never propagated downstream.
var ErrMalformed = errors.New("malformed signal")

// Validate checks the normalized signal against the schema contract.
// known reports whether an instrument is in the configured universe.
func Validate(s Signal, known func(string) bool) error {
	if s.Instrument == "" {
		return fmt.Errorf("%w: empty instrument", ErrMalformed)
	}
	if known != nil && !known(s.Instrument) {
		return fmt.Errorf("%w: unknown instrument %q", ErrMalformed, s.Instrument)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: direction %q not in {long, short, flat}", ErrMalformed, s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrMalformed, s.Confidence)
	}
	if s.Source == "" {
		return fmt.Errorf("%w: empty source", ErrMalformed)
	}
	return nil
}

// NormalizeInstrument maps producer symbols onto the exchange's perp naming:
// "SUI/USD" and bare "SUI" both become "SUI-PERP".
func NormalizeInstrument(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if sym == "" {
		return ""
	}
	if strings.HasSuffix(sym, "-PERP") {
		return sym
	}
	if i := strings.IndexAny(sym, "/:"); i > 0 {
		sym = sym[:i]
	}
	return sym + "-PERP"
}
