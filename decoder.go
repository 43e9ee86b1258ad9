package panelmux

import (
	"bytes"
	"encoding/json"
	"strings"
)

// doneSentinel terminates an SSE-framed completion stream.
const doneSentinel = "[DONE]"

// ChunkDecoder turns raw byte chunks of a streaming completion body into
// content deltas. The wire format is newline-delimited, optionally
// "data: "-prefixed JSON objects shaped like
//
//	{"choices":[{"delta":{"content":"..."}}]}
//
// terminated by a [DONE] line or end of stream.
//
// The decoder is stateful: the trailing fragment after the last newline is
// held back as raw bytes until the next Feed, so neither a JSON line nor a
// multi-byte UTF-8 sequence split across chunk boundaries corrupts decoding.
// The zero value is ready to use. Not safe for concurrent use; each stream
// session owns its own decoder.
type ChunkDecoder struct {
	rest []byte
}

// sseChunk is the subset of a completion chunk the decoder reads. Streaming
// chunks carry Delta; some backends answer non-streaming bodies through the
// same path, where the content sits under Message instead.
type sseChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Feed appends chunk to the buffered remainder and returns the content
// deltas of every complete line. Malformed lines are skipped, never fatal:
// one bad line must not abort the rest of the stream.
func (d *ChunkDecoder) Feed(chunk []byte) []string {
	d.rest = append(d.rest, chunk...)

	var deltas []string
	for {
		i := bytes.IndexByte(d.rest, '\n')
		if i < 0 {
			break
		}
		line := d.rest[:i]
		d.rest = d.rest[i+1:]
		if content, ok := parseLine(line); ok {
			deltas = append(deltas, content)
		}
	}
	return deltas
}

// Flush gives any buffered remainder one final parse attempt. Call it once
// when the byte stream ends; afterwards the decoder is empty.
func (d *ChunkDecoder) Flush() []string {
	line := d.rest
	d.rest = nil
	if content, ok := parseLine(line); ok {
		return []string{content}
	}
	return nil
}

// parseLine extracts the content delta from one line, reporting ok=false for
// blanks, the [DONE] sentinel, malformed JSON, and chunks without content.
func parseLine(line []byte) (string, bool) {
	text := strings.TrimSpace(string(line))
	if text == "" || text == doneSentinel {
		return "", false
	}
	text = strings.TrimPrefix(text, "data: ")
	if text == doneSentinel {
		return "", false
	}

	var chunk sseChunk
	if err := json.Unmarshal([]byte(text), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}

	choice := chunk.Choices[0]
	switch {
	case choice.Delta != nil && choice.Delta.Content != "":
		return choice.Delta.Content, true
	case choice.Message != nil && choice.Message.Content != "":
		return choice.Message.Content, true
	}
	// Valid JSON with no extractable content is a no-op, not an error.
	return "", false
}
