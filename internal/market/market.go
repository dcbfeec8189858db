// Package market parses hedge market symbols and derives the spot and
// derivative instruments that make up a position.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultQuote is the settlement asset for every market.
const DefaultQuote = "USDC"

// Supported derivative kinds.
const (
	KindPerp = "PERP"
)

var validKinds = map[string]bool{
	KindPerp: true,
}

// symbolRegex matches: {BASE}-{KIND}
// Example: SOL-PERP, 1MBONK-PERP
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})-([A-Z]+)$`)

// pairRegex matches a spot pair: {BASE}/{QUOTE}
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})/([A-Z0-9]{2,12})$`)

var (
	ErrInvalidSymbol = errors.New("market: invalid symbol format")
	ErrInvalidKind   = errors.New("market: unsupported derivative kind")
)

// Market is a parsed hedge market.
type Market struct {
	Symbol string `json:"symbol"` // derivative instrument, e.g. SOL-PERP
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Kind   string `json:"kind"`
}

// SpotPair is the spot instrument hedged by this market.
func (m Market) SpotPair() string {
	return m.Base + "/" + m.Quote
}

// Parse validates a derivative market symbol. Lowercase input is accepted.
func Parse(symbol string) (*Market, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}-PERP)", ErrInvalidSymbol, symbol)
	}
	if !validKinds[matches[2]] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, matches[2])
	}
	return &Market{
		Symbol: s,
		Base:   matches[1],
		Quote:  DefaultQuote,
		Kind:   matches[2],
	}, nil
}

// ParsePair splits a spot pair into base and quote assets.
func ParsePair(pair string) (base, quote string, err error) {
	matches := pairRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(pair)))
	if matches == nil {
		return "", "", fmt.Errorf("%w: %s (expected {BASE}/{QUOTE})", ErrInvalidSymbol, pair)
	}
	return matches[1], matches[2], nil
}

// ForBase builds the perpetual market for a base asset.
func ForBase(base string) Market {
	b := strings.ToUpper(base)
	return Market{Symbol: b + "-" + KindPerp, Base: b, Quote: DefaultQuote, Kind: KindPerp}
}
