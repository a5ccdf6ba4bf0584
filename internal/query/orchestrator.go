// Package query turns retrieval hits into a grounded prompt, runs the
// generator, and shapes the final answer with sources and a confidence
// signal.
package query

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"docrag/internal/config"
	"docrag/internal/model"
)

// RefusalAnswer is returned verbatim when retrieval produces nothing to
// ground an answer in. The generator is not called in that case.
const RefusalAnswer = "The provided documents do not contain information about this topic."

// excerptChars caps the per-source excerpt in the response body.
const excerptChars = 200

type retriever interface {
	Retrieve(ctx context.Context, query string, topK int, cfg config.Snapshot) ([]model.RetrievalHit, error)
}

// Options tune a single Answer call.
type Options struct {
	TopK          int
	IncludeChunks bool
}

type Orchestrator struct {
	retriever retriever
	generator model.Generator
	logger    *zap.Logger
}

func New(r retriever, g model.Generator, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{retriever: r, generator: g, logger: logger}
}

// Answer retrieves context for the query and generates a grounded answer.
// An empty retrieval short-circuits to the refusal answer with confidence 0;
// the generator never sees ungrounded questions.
func (o *Orchestrator) Answer(ctx context.Context, queryText string, opts Options, cfg config.Snapshot) (model.QueryResult, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return model.QueryResult{}, fmt.Errorf("%w: query is empty", model.ErrValidation)
	}

	hits, err := o.retriever.Retrieve(ctx, queryText, opts.TopK, cfg)
	if err != nil {
		return model.QueryResult{}, err
	}

	if len(hits) == 0 {
		result := model.QueryResult{
			Query:      queryText,
			Answer:     RefusalAnswer,
			Sources:    []model.Source{},
			ModelID:    cfg.GeneratorModel,
			Confidence: 0,
		}
		if opts.IncludeChunks {
			result.RetrievedChunks = []model.RetrievalHit{}
		}
		return result, nil
	}

	prompt := BuildPrompt(queryText, hits, cfg)
	gen, err := o.generator.Generate(ctx, prompt, model.GenerateParams{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return model.QueryResult{}, err
	}

	result := model.QueryResult{
		Query:           queryText,
		Answer:          gen.Text,
		Sources:         buildSources(hits),
		ModelID:         o.generator.ModelID(),
		TokensGenerated: gen.TokensGenerated,
		Confidence:      confidence(hits),
	}
	if opts.IncludeChunks {
		result.RetrievedChunks = hits
	}

	o.logger.Info("query answered",
		zap.Int("sources", len(hits)),
		zap.Float64("confidence", result.Confidence),
		zap.Int("tokens_generated", result.TokensGenerated))
	return result, nil
}

// BuildPrompt renders the grounded prompt. It is pure: the same query, hits
// and snapshot always yield the same string, which is what the prompt tests
// pin down. The template is tagged by cfg.PromptVersion.
func BuildPrompt(queryText string, hits []model.RetrievalHit, cfg config.Snapshot) string {
	var b strings.Builder

	b.WriteString("You are a helpful assistant answering questions based on provided document excerpts.\n\n")
	b.WriteString("Answer the user's question using ONLY the information provided in the context below.\n")
	b.WriteString("If the answer is not in the context, say \"I don't have this information in the provided documents.\"\n")
	b.WriteString("Be concise and cite which sources you use.\n\n")

	b.WriteString("CONTEXT:\n")
	for i, hit := range hits {
		fmt.Fprintf(&b, "[Source %d: %s (Chunk %d)]", i+1, hit.DocID, hit.ChunkIndex)
		if hit.Metadata.Heading != "" {
			fmt.Fprintf(&b, "\nHeading: %s", hit.Metadata.Heading)
		}
		b.WriteString("\n")
		b.WriteString(truncateRunes(hit.Text, cfg.ContextChunkChars))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "QUESTION: %s\n\n", queryText)
	b.WriteString("ANSWER:")
	return b.String()
}

func buildSources(hits []model.RetrievalHit) []model.Source {
	sources := make([]model.Source, 0, len(hits))
	for _, hit := range hits {
		sources = append(sources, model.Source{
			DocID:      hit.DocID,
			ChunkIndex: hit.ChunkIndex,
			Heading:    hit.Metadata.Heading,
			Similarity: hit.Similarity,
			Excerpt:    truncateRunes(hit.Text, excerptChars),
		})
	}
	return sources
}

// confidence is the best similarity over the returned hits, clamped to [0,1].
func confidence(hits []model.RetrievalHit) float64 {
	best := 0.0
	for _, hit := range hits {
		if hit.Similarity > best {
			best = hit.Similarity
		}
	}
	if best > 1 {
		best = 1
	}
	if best < 0 {
		best = 0
	}
	return best
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
