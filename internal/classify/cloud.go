package classify

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/resilience"
	"github.com/scanium/scanpipe/internal/taxonomy"
	"github.com/scanium/scanpipe/pkg/vision"
)

// CloudClassifier classifies thumbnails through the vision API and maps
// the response onto the domain taxonomy. A circuit breaker on the API call
// stops hammering the service during an outage; while the circuit is open,
// attempts fail fast and items stay retryable.
type CloudClassifier struct {
	client    vision.Client
	catalog   *taxonomy.Catalog
	model     string
	maxTokens int64
	breaker   *resilience.CircuitBreaker
}

// NewCloudClassifier creates a cloud classifier using the given model ID.
// maxTokens bounds the response size; zero uses the client default.
func NewCloudClassifier(client vision.Client, catalog *taxonomy.Catalog, modelID string, maxTokens int64) *CloudClassifier {
	if catalog == nil {
		catalog = taxonomy.Default()
	}
	return &CloudClassifier{
		client:    client,
		catalog:   catalog,
		model:     modelID,
		maxTokens: maxTokens,
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
}

func (c *CloudClassifier) Name() string { return "cloud" }

// ClassifySingle sends the item's thumbnail for analysis. Items without a
// thumbnail cannot be classified in the cloud and fail permanently.
func (c *CloudClassifier) ClassifySingle(ctx context.Context, in model.ClassificationInput) (*model.ClassificationResult, error) {
	if in.Thumbnail == nil || len(in.Thumbnail.Data) == 0 {
		return nil, resilience.NewPermanentError(eris.New("classify: no thumbnail for cloud classification"))
	}

	analysis, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*vision.Analysis, error) {
		return c.client.Analyze(ctx, vision.AnalyzeRequest{
			Model:      c.model,
			MaxTokens:  c.maxTokens,
			ImageData:  in.Thumbnail.Data,
			LabelHint:  in.Label,
			Categories: c.catalog.IDs(),
		})
	})
	if err != nil {
		return nil, err
	}

	res := &model.ClassificationResult{
		Label:      analysis.Label,
		Confidence: analysis.Confidence,
		Category:   model.CategoryUnknown,
		Mode:       model.ModeCloud,
		Status:     model.StatusSuccess,
		RequestID:  analysis.RequestID,
	}
	if cat, ok := c.catalog.Resolve(analysis.Category); ok {
		res.Category = cat.ID
		res.DomainCategoryID = cat.ID
	} else if cat, ok := c.catalog.Resolve(analysis.Label); ok {
		// Fall back to the label when the model invents a category.
		res.Category = cat.ID
		res.DomainCategoryID = cat.ID
	}
	return res, nil
}
