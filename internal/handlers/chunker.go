// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handlers

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/soliplex/ingester/pkg/errors"
)

// Chunker splits parsed text into retrieval units.
type Chunker interface {
	Chunk(ctx context.Context, text string, opts map[string]any) ([]Chunk, error)
}

// TextChunker is the built-in sliding-window chunker. It splits on paragraph
// boundaries where possible and falls back to a hard character window for
// paragraphs longer than the chunk size. chunk_size and overlap are measured
// in runes.
type TextChunker struct{}

// Chunk implements Chunker.
func (TextChunker) Chunk(ctx context.Context, text string, opts map[string]any) ([]Chunk, error) {
	size := configInt(opts, "chunk_size", 512)
	overlap := configInt(opts, "overlap", 64)
	if size <= 0 {
		return nil, &errors.ValidationError{Field: "chunk_size", Message: "must be positive"}
	}
	if overlap < 0 || overlap >= size {
		return nil, &errors.ValidationError{Field: "overlap",
			Message: "must be non-negative and smaller than chunk_size"}
	}

	var pieces []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			pieces = append(pieces, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) > size {
			flush()
			pieces = append(pieces, hardSplit(para, size, overlap)...)
			continue
		}
		if current.Len() > 0 && utf8.RuneCountInString(current.String())+utf8.RuneCountInString(para)+2 > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Index: i, Text: p}
	}
	return chunks, nil
}

// hardSplit windows an oversized paragraph by rune count with overlap.
func hardSplit(s string, size, overlap int) []string {
	runes := []rune(s)
	step := size - overlap
	var out []string
	for lo := 0; lo < len(runes); lo += step {
		hi := lo + size
		if hi > len(runes) {
			hi = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[lo:hi])))
		if hi == len(runes) {
			break
		}
	}
	return out
}
