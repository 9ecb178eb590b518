package models

import (
	"fmt"
	"strings"
)

// InstrumentKind distinguishes spot pairs from derivative contracts.
type InstrumentKind string

const (
	InstrumentKindSpot            InstrumentKind = "spot"
	InstrumentKindFuturePerpetual InstrumentKind = "future_perpetual"
)

// ParseInstrumentKind accepts the canonical names plus a few common aliases.
func ParseInstrumentKind(s string) (InstrumentKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "spot":
		return InstrumentKindSpot, nil
	case "future_perpetual", "perpetual", "swap":
		return InstrumentKindFuturePerpetual, nil
	default:
		return "", fmt.Errorf("unknown instrument kind %q", s)
	}
}

// Instrument is the exchange-agnostic identity of a tradable pair.
type Instrument struct {
	Base  string         `json:"base" yaml:"base"`
	Quote string         `json:"quote" yaml:"quote"`
	Kind  InstrumentKind `json:"kind" yaml:"kind"`
}

// NewInstrument lower-cases the symbols so that instruments compare equal
// regardless of how the caller spelled them.
func NewInstrument(base, quote string, kind InstrumentKind) Instrument {
	return Instrument{
		Base:  strings.ToLower(strings.TrimSpace(base)),
		Quote: strings.ToLower(strings.TrimSpace(quote)),
		Kind:  kind,
	}
}

// Validate reports whether the instrument can be encoded for an exchange.
func (i Instrument) Validate() error {
	if i.Base == "" || i.Quote == "" {
		return fmt.Errorf("instrument requires base and quote, got %q/%q", i.Base, i.Quote)
	}
	switch i.Kind {
	case InstrumentKindSpot, InstrumentKindFuturePerpetual:
		return nil
	default:
		return fmt.Errorf("instrument %s_%s has unknown kind %q", i.Base, i.Quote, i.Kind)
	}
}

func (i Instrument) String() string {
	if i.Kind == InstrumentKindFuturePerpetual {
		return i.Base + "_" + i.Quote + "_perpetual"
	}
	return i.Base + "_" + i.Quote
}
