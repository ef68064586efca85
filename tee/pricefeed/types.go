// Package pricefeed aggregates asset prices from external quote sources and
// publishes signed updates to the on-chain price oracle. Every price leaving
// the enclave carries a service-wallet signature over a fixed preimage so
// the oracle contract can verify its origin.
package pricefeed

import (
	"fmt"
	"strconv"
	"time"
)

// Source types accepted by validateSource.
const (
	SourceTypeREST       = "rest"
	SourceTypeExchange   = "exchange"
	SourceTypeAggregator = "aggregator"
)

// Source describes one external quote source. URL, QueryParams and PricePath
// are templates: "{symbol}" and "{base}" are substituted per fetch.
type Source struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	// Type is one of rest, exchange, aggregator.
	Type string `json:"type" yaml:"type"`
	URL  string `json:"url" yaml:"url"`
	// Headers are sent verbatim with every request.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// QueryParams are appended to the URL after template substitution.
	QueryParams map[string]string `json:"queryParams,omitempty" yaml:"queryParams,omitempty"`
	// PricePath is the JSON path extracting the price value.
	PricePath string `json:"pricePath" yaml:"pricePath"`
	// TimestampPath optionally extracts the quote timestamp; absent, the
	// fetch time is used.
	TimestampPath string `json:"timestampPath,omitempty" yaml:"timestampPath,omitempty"`
	// Weight scales this source's contribution to aggregates.
	Weight float64 `json:"weight" yaml:"weight"`
	// Symbols lists the symbols this source supports.
	Symbols []string `json:"symbols" yaml:"symbols"`
	// Timeout bounds one fetch. Zero falls back to the feed default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// RateLimit caps outbound requests per second against this source.
	// Zero falls back to the feed default.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

// Supports reports whether the source declares the symbol.
func (s Source) Supports(symbol string) bool {
	for _, sym := range s.Symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}

// SourcePrice is one quote contributed by one source.
type SourcePrice struct {
	SourceID   string    `json:"sourceId"`
	SourceName string    `json:"sourceName"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Weight     float64   `json:"weight"`
}

// Price is a quote ready for consumers. One contributing SourcePrice makes
// it a raw quote; several make it an aggregate.
type Price struct {
	Symbol       string        `json:"symbol"`
	BaseCurrency string        `json:"baseCurrency"`
	Value        float64       `json:"value"`
	Timestamp    time.Time     `json:"timestamp"`
	Sources      []SourcePrice `json:"sources,omitempty"`
	// Confidence scores source agreement from 0 to 100.
	Confidence int       `json:"confidence"`
	Signature  []byte    `json:"signature,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PriceDataPoint is one OHLCV bar.
type PriceDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	// Volume is always 0: quote sources expose no trade volume.
	Volume float64 `json:"volume"`
}

// PriceHistory is a bucketed OHLCV series over [StartTime, EndTime).
type PriceHistory struct {
	Symbol       string           `json:"symbol"`
	BaseCurrency string           `json:"baseCurrency"`
	Interval     string           `json:"interval"`
	StartTime    time.Time        `json:"startTime"`
	EndTime      time.Time        `json:"endTime"`
	DataPoints   []PriceDataPoint `json:"dataPoints"`
}

// PricePoint is one raw observation fed into history bucketing.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ticksPerSecond and epochTicks convert to 100ns ticks since 0001-01-01,
// the timestamp representation the oracle contract verifies signatures
// against.
const (
	ticksPerSecond int64 = 10_000_000
	epochTicks     int64 = 621_355_968_000_000_000
)

// Ticks converts t to 100ns ticks since 0001-01-01 UTC.
func Ticks(t time.Time) int64 {
	return epochTicks + t.Unix()*ticksPerSecond + int64(t.Nanosecond())/100
}

// SigningPayload builds the exact preimage the oracle contract verifies:
// symbol:baseCurrency:value:timestampTicks. The value renders with the
// shortest round-tripping decimal form so the preimage is deterministic.
func SigningPayload(symbol, baseCurrency string, value float64, timestamp time.Time) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%d",
		symbol,
		baseCurrency,
		strconv.FormatFloat(value, 'f', -1, 64),
		Ticks(timestamp),
	))
}
