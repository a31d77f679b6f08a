package upstream

import "time"

// Instrument is one element of the instrument endpoint's response array.
type Instrument struct {
	Symbol     string    `json:"symbol"`
	LastPrice  float64   `json:"lastPrice"`
	BidPrice   float64   `json:"bidPrice"`
	AskPrice   float64   `json:"askPrice"`
	MarkPrice  float64   `json:"markPrice"`
	Volume24h  float64   `json:"volume24h"`
	Timestamp  time.Time `json:"timestamp"`
}

// Margin is the account snapshot returned by the margin endpoint.
type Margin struct {
	Currency        string  `json:"currency"`
	WalletBalance   int64   `json:"walletBalance"`
	MarginBalance   int64   `json:"marginBalance"`
	AvailableMargin int64   `json:"availableMargin"`
	UnrealisedPnl   int64   `json:"unrealisedPnl"`
	MarginLeverage  float64 `json:"marginLeverage"`
}

// Position is one element of the position endpoint's response array.
type Position struct {
	Symbol        string  `json:"symbol"`
	CurrentQty    int64   `json:"currentQty"`
	AvgEntryPrice float64 `json:"avgEntryPrice"`
	LiquidationPx float64 `json:"liquidationPrice"`
	UnrealisedPnl int64   `json:"unrealisedPnl"`
	Leverage      float64 `json:"leverage"`
	IsOpen        bool    `json:"isOpen"`
}
