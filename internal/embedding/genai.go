package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// maxBatchSize is GenAI's per-request embedding batch cap.
const maxBatchSize = 100

// genaiOutputDims is the width requested from the embedding model; both
// gemini-embedding-001 and text-embedding-004 support this dimensionality.
const genaiOutputDims = 3072

func int32Ptr(i int32) *int32 { return &i }

// GenAIEngine calls Google's Gemini embedding API.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
	log      *zap.Logger
}

// NewGenAIEngine builds a GenAI-backed engine. apiKey is required.
func NewGenAIEngine(apiKey, model, taskType string, log *zap.Logger) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if taskType == "" {
		taskType = "SEMANTIC_SIMILARITY"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("embedding: create genai client: %w", err)
	}

	return &GenAIEngine{client: client, model: model, taskType: taskType, log: log}, nil
}

func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.embedBatchChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embedding: genai returned no embeddings")
	}
	return out[0], nil
}

// EmbedBatch chunks texts into maxBatchSize-sized requests and
// concatenates the results, preserving order.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) <= maxBatchSize {
		return e.embedBatchChunk(ctx, texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk, err := e.embedBatchChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding: batch %d-%d: %w", start, end, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (e *GenAIEngine) embedBatchChunk(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	start := time.Now()
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: int32Ptr(genaiOutputDims),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: genai embed call: %w", err)
	}
	e.log.Debug("genai embed completed", zap.Duration("latency", time.Since(start)), zap.Int("count", len(result.Embeddings)))

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func (e *GenAIEngine) Dimensions() int { return genaiOutputDims }

func (e *GenAIEngine) Name() string { return fmt.Sprintf("genai:%s", e.model) }
