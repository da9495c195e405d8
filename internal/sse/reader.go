package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reader decodes frames from an event stream. A frame is only returned once
// its terminating blank line has arrived; a stream that ends inside a frame
// yields io.ErrUnexpectedEOF.
type Reader struct {
	br   *bufio.Reader
	data []string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 16*1024)}
}

// Next returns the next complete frame, or io.EOF at a clean end of stream.
func (r *Reader) Next() (Frame, error) {
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line != "" || len(r.data) > 0 {
					r.data = nil
					return Frame{}, io.ErrUnexpectedEOF
				}
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(r.data) == 0 {
				continue
			}
			payload := strings.Join(r.data, "\n")
			r.data = r.data[:0]
			var f Frame
			if err := json.Unmarshal([]byte(payload), &f); err != nil {
				return Frame{}, fmt.Errorf("sse: decode frame: %w", err)
			}
			return f, nil
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			r.data = append(r.data, strings.TrimPrefix(v, " "))
		default:
			// event:, id:, retry: carry nothing we use
		}
	}
}
