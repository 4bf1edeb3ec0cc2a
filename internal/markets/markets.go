package markets

import (
	"strings"

	"perp-sync/internal/indexer"
	"perp-sync/internal/numbers"

	"github.com/shopspring/decimal"
)

const (
	// default display precision when a market has no step or tick size
	tokenDecimals = 4
	usdDecimals   = 2
)

// Info is a perpetual market with parsed numbers and derived fields. Optional
// inputs the indexer did not send are nil.
type Info struct {
	Ticker            string
	ClobPairID        string
	Status            string
	MarketType        string
	AssetID           string
	DisplayableAsset  string
	DisplayableTicker string

	OraclePrice                    *decimal.Decimal
	InitialMarginFraction          *decimal.Decimal
	MaintenanceMarginFraction      *decimal.Decimal
	EffectiveInitialMarginFraction *decimal.Decimal
	OpenInterest                   decimal.Decimal
	OpenInterestLowerCap           *decimal.Decimal
	OpenInterestUpperCap           *decimal.Decimal
	OpenInterestUSDC               decimal.Decimal
	PriceChange24H                 *decimal.Decimal
	PercentChange24H               *decimal.Decimal
	Volume24H                      decimal.Decimal
	Trades24H                      int64
	NextFundingRate                *decimal.Decimal

	StepSize         decimal.Decimal
	TickSize         decimal.Decimal
	StepSizeDecimals int32
	TickSizeDecimals int32
}

// EffectiveInitialMarginFraction scales the base IMF with open interest
// between the lower and upper caps. It is nil when the market has no IMF.
func EffectiveInitialMarginFraction(m indexer.PerpetualMarket) *decimal.Decimal {
	return effectiveIMF(
		numbers.Maybe(m.InitialMarginFraction),
		numbers.Maybe(m.OraclePrice),
		numbers.Maybe(m.OpenInterest),
		numbers.Maybe(m.OpenInterestLowerCap),
		numbers.Maybe(m.OpenInterestUpperCap),
	)
}

func effectiveIMF(imf, oracle, openInterest, lowerCap, upperCap *decimal.Decimal) *decimal.Decimal {
	if imf == nil {
		return nil
	}
	if oracle == nil || openInterest == nil || lowerCap == nil || upperCap == nil {
		return imf
	}
	// equal caps would divide by zero
	if upperCap.Equal(*lowerCap) {
		return imf
	}

	openNotional := openInterest.Mul(*oracle)
	scalingFactor := openNotional.Sub(*lowerCap).Div(upperCap.Sub(*lowerCap))
	imfIncrease := scalingFactor.Mul(numbers.One.Sub(*imf))

	effective := decimal.Min(imf.Add(decimal.Max(imfIncrease, decimal.Zero)), numbers.One)
	return &effective
}

// PercentChange24H is change / (oracle - change), or nil when the price 24h
// ago is not positive.
func PercentChange24H(priceChange, oraclePrice *decimal.Decimal) *decimal.Decimal {
	if priceChange == nil || oraclePrice == nil {
		return nil
	}
	before := oraclePrice.Sub(*priceChange)
	if before.Sign() <= 0 {
		return nil
	}
	pct := priceChange.Div(before)
	return &pct
}

// Calculate parses a raw market and derives its display and risk fields
func Calculate(m indexer.PerpetualMarket) Info {
	oracle := numbers.Maybe(m.OraclePrice)
	priceChange := numbers.Maybe(m.PriceChange24H)
	openInterest := numbers.Must(m.OpenInterest)

	info := Info{
		Ticker:                         m.Ticker,
		ClobPairID:                     m.ClobPairID,
		Status:                         m.Status,
		MarketType:                     m.MarketType,
		AssetID:                        AssetFromMarketID(m.Ticker),
		DisplayableAsset:               DisplayableAsset(m.Ticker),
		DisplayableTicker:              DisplayableTicker(m.Ticker),
		OraclePrice:                    oracle,
		InitialMarginFraction:          numbers.Maybe(m.InitialMarginFraction),
		MaintenanceMarginFraction:      numbers.Maybe(m.MaintenanceMarginFraction),
		EffectiveInitialMarginFraction: EffectiveInitialMarginFraction(m),
		OpenInterest:                   openInterest,
		OpenInterestLowerCap:           numbers.Maybe(m.OpenInterestLowerCap),
		OpenInterestUpperCap:           numbers.Maybe(m.OpenInterestUpperCap),
		OpenInterestUSDC:               openInterest.Mul(numbers.OrZero(oracle)),
		PriceChange24H:                 priceChange,
		PercentChange24H:               PercentChange24H(priceChange, oracle),
		Volume24H:                      numbers.Must(m.Volume24H),
		Trades24H:                      m.Trades24H,
		NextFundingRate:                numbers.Maybe(m.NextFundingRate),
		StepSizeDecimals:               tokenDecimals,
		TickSizeDecimals:               usdDecimals,
	}

	if step := numbers.Maybe(m.StepSize); step != nil {
		info.StepSize = *step
		info.StepSizeDecimals = numbers.DecimalPlaces(*step)
	}
	if tick := numbers.Maybe(m.TickSize); tick != nil {
		info.TickSize = *tick
		info.TickSizeDecimals = numbers.DecimalPlaces(*tick)
	}
	return info
}

// CalculateAll derives every market; nil in, nil out
func CalculateAll(raw map[string]indexer.PerpetualMarket) map[string]Info {
	if raw == nil {
		return nil
	}
	out := make(map[string]Info, len(raw))
	for ticker, m := range raw {
		out[ticker] = Calculate(m)
	}
	return out
}

// EffectiveSelectedLeverage returns the user's leverage if set, otherwise the
// maximum leverage allowed by the base IMF, otherwise 1.
func EffectiveSelectedLeverage(userSelected, initialMarginFraction *decimal.Decimal) decimal.Decimal {
	if userSelected != nil {
		return *userSelected
	}
	if initialMarginFraction != nil && !initialMarginFraction.IsZero() {
		return numbers.One.Div(*initialMarginFraction)
	}
	return numbers.One
}

// AssetFromMarketID returns the base asset id of a ticker, e.g. "BTC" for "BTC-USD"
func AssetFromMarketID(ticker string) string {
	if i := strings.IndexByte(ticker, '-'); i >= 0 {
		return ticker[:i]
	}
	return ticker
}

// DisplayableAsset strips chain qualifiers from the asset id, e.g. "PEPE" for
// "PEPE,uniswap_v3,0x...-USD"
func DisplayableAsset(ticker string) string {
	asset := AssetFromMarketID(ticker)
	if i := strings.IndexByte(asset, ','); i >= 0 {
		return asset[:i]
	}
	return asset
}

// DisplayableTicker is the displayable asset quoted in USD
func DisplayableTicker(ticker string) string {
	return DisplayableAsset(ticker) + "-USD"
}
