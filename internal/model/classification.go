package model

import "github.com/golang/geo/r2"

// ClassifierMode selects the active classification strategy for a session.
type ClassifierMode string

const (
	ModeOnDevice ClassifierMode = "on_device"
	ModeCloud    ClassifierMode = "cloud"
)

// ClassificationInput is what a classifier receives for a single item.
type ClassificationInput struct {
	ItemID    string    `json:"item_id"`
	Label     string    `json:"label"`
	Category  string    `json:"category"`
	BBox      r2.Rect   `json:"bbox"`
	Thumbnail *ImageRef `json:"thumbnail,omitempty"`
}

// ClassificationResult is the immutable outcome of one dispatched
// classification attempt.
type ClassificationResult struct {
	Label            string               `json:"label,omitempty"`
	Confidence       float64              `json:"confidence"`
	Category         string               `json:"category"`
	Mode             ClassifierMode       `json:"mode"`
	Status           ClassificationStatus `json:"status"`
	DomainCategoryID string               `json:"domain_category_id,omitempty"`
	ErrorMessage     string               `json:"error_message,omitempty"`
	RequestID        string               `json:"request_id,omitempty"`
}

// Succeeded reports whether the attempt produced a usable classification.
func (r *ClassificationResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// KnownCategory reports whether the result carries an established category.
func (r *ClassificationResult) KnownCategory() bool {
	return r != nil && r.Category != "" && r.Category != CategoryUnknown
}
