package source

import (
	"context"

	"quotewatch/internal/quote"
)

// Instrument identifies one tracked symbol and how to display it.
// Immutable after construction; the coordinator owns one per poll loop.
type Instrument struct {
	// Symbol is the raw source-specific identifier (e.g. "sh000001",
	// "600519", "NQ=F").
	Symbol string
	// MarketCode is an optional market/exchange discriminator some sources
	// need in front of the symbol (eastmoney secid prefix like "1" or "105").
	MarketCode string
	// Name is the configured display name, used as the fallback when the
	// upstream payload omits one.
	Name string
	// HoursKey selects the trading-hours table entry for this instrument.
	HoursKey string
}

// Code returns the market-qualified identifier when a market code is set.
func (i Instrument) Code() string {
	if i.MarketCode == "" {
		return i.Symbol
	}
	return i.MarketCode + "." + i.Symbol
}

// Source is the capability every upstream adapter implements:
// fetch one instrument's quote and normalize it into the canonical record.
type Source interface {
	Name() string
	Fetch(ctx context.Context, inst Instrument) (*quote.Record, error)
}
