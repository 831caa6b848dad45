package model

import "fmt"

// PriceRange is an estimated resale price band in USD.
type PriceRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// String renders the range in human-readable form.
func (p PriceRange) String() string {
	return fmt.Sprintf("$%.0f–$%.0f", p.Low, p.High)
}

// PriceState is the state of an asynchronous price estimation.
type PriceState string

const (
	PricePending   PriceState = "pending"
	PriceReady     PriceState = "ready"
	PriceFailed    PriceState = "failed"
	PriceCancelled PriceState = "cancelled"
)

// PriceEstimationStatus is one update on a per-item estimation stream.
type PriceEstimationStatus struct {
	ItemID string      `json:"item_id"`
	State  PriceState  `json:"state"`
	Range  *PriceRange `json:"range,omitempty"`
	Error  string      `json:"error,omitempty"`
}
