package provider

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// LineReader yields trimmed, non-empty lines from a response body. It backs
// both SSE ("data: ...") and NDJSON framings.
type LineReader struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func NewLineReader(body io.ReadCloser) *LineReader {
	return &LineReader{body: body, reader: bufio.NewReader(body)}
}

// ReadLine returns io.EOF once the body is exhausted.
func (l *LineReader) ReadLine() (string, error) {
	for {
		line, err := l.reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			return line, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (l *LineReader) Close() error {
	return l.body.Close()
}

// funcStream adapts a next function and a release function to Stream.
type funcStream struct {
	next    func() (*StreamChunk, error)
	release func() error
	once    sync.Once
	err     error
	done    bool
}

// NewStream builds a Stream whose Close runs release exactly once. After
// next returns an error, further Recv calls return the same error.
func NewStream(next func() (*StreamChunk, error), release func() error) Stream {
	return &funcStream{next: next, release: release}
}

func (s *funcStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, s.err
	}
	chunk, err := s.next()
	if err != nil {
		s.done = true
		s.err = err
		return nil, err
	}
	return chunk, nil
}

func (s *funcStream) Close() error {
	var err error
	s.once.Do(func() {
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}

// NewChunkedStream synthesizes a stream over a completed response for
// backends without native streaming. Content is split on word boundaries,
// wordsPerChunk words at a time; the last chunk carries the finish reason
// and usage.
func NewChunkedStream(resp *Response, wordsPerChunk int) Stream {
	if wordsPerChunk <= 0 {
		wordsPerChunk = 1
	}
	words := strings.SplitAfter(resp.Content, " ")
	var deltas []string
	for i := 0; i < len(words); i += wordsPerChunk {
		end := i + wordsPerChunk
		if end > len(words) {
			end = len(words)
		}
		deltas = append(deltas, strings.Join(words[i:end], ""))
	}

	i := 0
	terminalSent := false
	return NewStream(func() (*StreamChunk, error) {
		if i < len(deltas) {
			chunk := &StreamChunk{ID: resp.ID, Model: resp.Model, Delta: deltas[i]}
			i++
			if i == len(deltas) {
				usage := resp.Usage
				chunk.FinishReason = resp.FinishReason
				chunk.Usage = &usage
				terminalSent = true
			}
			return chunk, nil
		}
		if !terminalSent {
			terminalSent = true
			usage := resp.Usage
			return &StreamChunk{ID: resp.ID, Model: resp.Model, FinishReason: resp.FinishReason, Usage: &usage}, nil
		}
		return nil, io.EOF
	}, nil)
}
