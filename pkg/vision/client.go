// Package vision classifies item thumbnails with the Anthropic vision API.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the vision API operations used by cloud classification.
type Client interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error)
}

// AnalyzeRequest is our own request type for Analyze.
type AnalyzeRequest struct {
	Model     string
	MaxTokens int64
	// ImageData is the raw thumbnail bytes, JPEG or PNG.
	ImageData []byte
	// MediaType is the MIME type of ImageData. Defaults to image/jpeg.
	MediaType string
	// LabelHint is the on-device label, if any, passed to the model as
	// context. The model may confirm or override it.
	LabelHint string
	// Categories is the fixed category vocabulary the model must pick from.
	Categories []string
}

// Analysis is the parsed vision result.
type Analysis struct {
	Label      string  `json:"label"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`

	RequestID string     `json:"-"`
	Usage     TokenUsage `json:"-"`
}

// TokenUsage tracks token consumption for one analysis call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

const systemPrompt = `You identify secondhand items for resale from a single photo crop.
Respond with exactly one JSON object and nothing else:
{"label": "<short item name>", "category": "<one of the allowed categories>", "confidence": <0.0-1.0>}
Use the category "unknown" when nothing fits.`

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client sdk.Client
}

// NewClient creates a vision client backed by the SDK.
func NewClient(apiKey string) Client {
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
	}
}

func (c *sdkClient) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	if len(req.ImageData) == 0 {
		return nil, eris.New("vision: empty image data")
	}
	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	var prompt strings.Builder
	prompt.WriteString("Allowed categories: ")
	prompt.WriteString(strings.Join(req.Categories, ", "))
	if req.LabelHint != "" {
		prompt.WriteString("\nOn-device guess: ")
		prompt.WriteString(req.LabelHint)
	}
	prompt.WriteString("\nIdentify the item in the image.")

	imgBlock := sdk.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(req.ImageData))

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(imgBlock, sdk.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "vision: analyze")
	}

	var text string
	for _, b := range msg.Content {
		if b.Type == "text" {
			text = b.Text
			break
		}
	}

	analysis, err := parseAnalysis(text)
	if err != nil {
		return nil, eris.Wrap(err, "vision: parse response")
	}
	analysis.RequestID = msg.ID
	analysis.Usage = TokenUsage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}

	zap.L().Debug("vision: analyzed thumbnail",
		zap.String("request_id", msg.ID),
		zap.String("category", analysis.Category),
		zap.Float64("confidence", analysis.Confidence),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)

	return analysis, nil
}

// parseAnalysis extracts the JSON object from the model's reply. The model
// sometimes wraps it in code fences or leading prose.
func parseAnalysis(text string) (*Analysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("no JSON object in response")
	}

	var a Analysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return nil, eris.Wrap(err, "decode analysis")
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	return &a, nil
}
