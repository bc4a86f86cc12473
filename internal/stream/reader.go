// Package stream translates SSE streams between the two chat protocols.
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const dataPrefix = "data:"

// MaxLineBytes bounds a single SSE line.
const MaxLineBytes = 4 << 20

// ErrLineTooLong is returned once a line grows past the reader's limit. The
// reader stays failed afterwards.
var ErrLineTooLong = errors.New("stream: sse line exceeds maximum length")

// Reader reads an SSE body line by line.
type Reader struct {
	br      *bufio.Reader
	limit   int
	pending error
}

func NewReader(r io.Reader) *Reader {
	return newReaderLimit(r, MaxLineBytes)
}

func newReaderLimit(r io.Reader, limit int) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), limit: limit}
}

// NextLine returns the next raw line including its newline. A final line
// without a newline is returned before io.EOF.
func (r *Reader) NextLine() ([]byte, error) {
	if r.pending != nil {
		return nil, r.pending
	}
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(line)+len(chunk) > r.limit {
			r.pending = ErrLineTooLong
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if len(line) > 0 {
				r.pending = err
				return line, nil
			}
			return nil, err
		}
		return line, nil
	}
}

// Next returns the payload of the next data line. Blank lines, event:, id:,
// retry: and comment lines are skipped.
func (r *Reader) Next() ([]byte, error) {
	for {
		line, err := r.NextLine()
		if err != nil {
			return nil, err
		}
		if payload, ok := dataPayload(line); ok {
			return payload, nil
		}
	}
}

func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(dataPrefix):]), true
}
