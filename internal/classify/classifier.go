// Package classify dispatches classification work per aggregated item with
// in-flight deduplication, result caching and a retry policy, and gates
// remote calls behind stability and duplicate-content checks.
package classify

import (
	"context"

	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/taxonomy"
)

// Classifier classifies a single item. A nil result with a nil error means
// the classifier produced nothing usable; the orchestrator treats that the
// same as an error.
type Classifier interface {
	Name() string
	ClassifySingle(ctx context.Context, in model.ClassificationInput) (*model.ClassificationResult, error)
}

// OnDeviceClassifier refines the detector label through the resale
// taxonomy without any network round trip.
type OnDeviceClassifier struct {
	catalog *taxonomy.Catalog
}

// NewOnDeviceClassifier creates the local classifier. A nil catalog falls
// back to the built-in taxonomy.
func NewOnDeviceClassifier(catalog *taxonomy.Catalog) *OnDeviceClassifier {
	if catalog == nil {
		catalog = taxonomy.Default()
	}
	return &OnDeviceClassifier{catalog: catalog}
}

// Name implements Classifier.
func (c *OnDeviceClassifier) Name() string { return "on_device" }

// ClassifySingle maps the detector label to a taxonomy category. Labels
// outside the taxonomy produce no result.
func (c *OnDeviceClassifier) ClassifySingle(_ context.Context, in model.ClassificationInput) (*model.ClassificationResult, error) {
	cat, ok := c.catalog.Resolve(in.Label)
	if !ok {
		return nil, nil
	}
	return &model.ClassificationResult{
		Label:            in.Label,
		Category:         cat.ID,
		DomainCategoryID: cat.ID,
		Confidence:       0.6,
		Mode:             model.ModeOnDevice,
		Status:           model.StatusSuccess,
	}, nil
}

// NoopClassifier never returns a result. It is the explicit "classification
// disabled" variant, constructed rather than defaulted.
type NoopClassifier struct{}

// NewNoopClassifier creates a classifier that classifies nothing.
func NewNoopClassifier() *NoopClassifier { return &NoopClassifier{} }

// Name implements Classifier.
func (*NoopClassifier) Name() string { return "noop" }

// ClassifySingle implements Classifier.
func (*NoopClassifier) ClassifySingle(context.Context, model.ClassificationInput) (*model.ClassificationResult, error) {
	return nil, nil
}
