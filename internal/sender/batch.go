// Package sender fans notifications out to registered devices and keeps the
// registry in step with what the push backend reports.
package sender

import (
	"context"
	"fmt"

	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

// Chunk partitions tokens into consecutive slices of at most size elements.
// The returned slices share tokens' backing array.
func Chunk(tokens []string, size int) [][]string {
	if size <= 0 || len(tokens) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		chunks = append(chunks, tokens[start:end:end])
	}
	return chunks
}

// SendBatches delivers msg to every token using one backend call per chunk of
// backend.MaxBatchSize() tokens. Outcomes are returned in token order.
//
// Chunks run strictly in sequence. An error from a chunk aborts the remaining
// chunks and is returned unchanged; chunks already delivered are not undone.
func SendBatches(ctx context.Context, backend dispatch.Backend, msg *dispatch.Message, tokens []string) ([]dispatch.Outcome, error) {
	if len(tokens) == 0 {
		return []dispatch.Outcome{}, nil
	}
	size := backend.MaxBatchSize()
	if size <= 0 {
		return nil, fmt.Errorf("backend reported invalid batch size %d", size)
	}

	outcomes := make([]dispatch.Outcome, 0, len(tokens))
	for _, chunk := range Chunk(tokens, size) {
		msgs := make([]*dispatch.Message, len(chunk))
		for i, token := range chunk {
			msgs[i] = msg.ForToken(token)
		}

		results, err := backend.SendEach(ctx, msgs)
		if err != nil {
			return nil, err
		}
		if len(results) != len(chunk) {
			return nil, fmt.Errorf("backend returned %d results for %d messages", len(results), len(chunk))
		}
		outcomes = append(outcomes, results...)
	}
	return outcomes, nil
}
