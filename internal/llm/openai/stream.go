package openai

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/openai/openai-go"

	"github.com/michaelbrown/convo/internal/llm"
)

// Stream sends a streaming chat completion request and yields normalized
// deltas as chunks arrive. The final end delta carries the accumulated
// completion as its raw payload.
func (p *Provider) Stream(ctx context.Context, history []llm.Turn, tools []llm.ToolDef) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		params, err := p.params(history, tools)
		if err != nil {
			yield(llm.Delta{}, err)
			return
		}
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			deltas, err := NormalizeChunk(chunk)
			if err != nil {
				yield(llm.Delta{}, withProvider(err, p.name))
				return
			}
			for _, d := range deltas {
				if !yield(d, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(llm.Delta{}, classifyError(p.name, err))
			return
		}

		var meta *llm.Metadata
		if raw, err := json.Marshal(acc.ChatCompletion); err == nil {
			meta = &llm.Metadata{Raw: raw}
		}
		yield(llm.EndDelta(meta), nil)
	}
}
