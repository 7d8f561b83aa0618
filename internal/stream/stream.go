// Package stream consumes the incremental chat feed produced by the backend:
// newline-delimited "data: <json>" lines, each carrying a content fragment, a
// done marker or an error.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"VoiceChat/internal/api"
)

// DataPrefix starts every frame line
const DataPrefix = "data: "

// ErrUnterminated is returned when the body ends before a done or error frame
var ErrUnterminated = errors.New("stream ended without a done frame")

// FrameError is an error reported by the backend inside the stream
type FrameError struct {
	Message string
}

func (e *FrameError) Error() string {
	return e.Message
}

// Decoder reads frames from a response body
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder creates a decoder over r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next well-formed frame. Lines without the data prefix and
// frames whose JSON does not parse are skipped. Returns io.EOF at end of body.
func (d *Decoder) Next() (api.Frame, error) {
	for {
		line, err := d.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return api.Frame{}, err
		}

		frame, ok := parseLine(line)
		if ok {
			return frame, nil
		}
		if err == io.EOF {
			return api.Frame{}, io.EOF
		}
	}
}

func parseLine(line string) (api.Frame, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, DataPrefix) {
		return api.Frame{}, false
	}

	var frame api.Frame
	if err := json.Unmarshal([]byte(line[len(DataPrefix):]), &frame); err != nil {
		return api.Frame{}, false
	}
	return frame, true
}

// FragmentFunc is called with the full accumulated text after each fragment
type FragmentFunc func(accumulated string)

// Result is the outcome of consuming one stream
type Result struct {
	Text      string
	Fragments int
}

// Consume reads frames until a terminal frame. Content fragments are appended
// to the accumulator in arrival order and reported through onFragment. A done
// frame returns the accumulated text; an error frame returns a *FrameError.
// Nothing after a terminal frame is read.
func Consume(ctx context.Context, r io.Reader, onFragment FragmentFunc) (Result, error) {
	dec := NewDecoder(r)
	var acc strings.Builder
	var res Result

	for {
		if err := ctx.Err(); err != nil {
			res.Text = acc.String()
			return res, err
		}

		frame, err := dec.Next()
		if err != nil {
			res.Text = acc.String()
			if err == io.EOF {
				return res, ErrUnterminated
			}
			// A read interrupted by cancellation surfaces the context error
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, err
		}

		switch {
		case frame.Content != "":
			acc.WriteString(frame.Content)
			res.Fragments++
			if onFragment != nil {
				onFragment(acc.String())
			}
		case frame.Done:
			res.Text = acc.String()
			return res, nil
		case frame.Error != "":
			res.Text = acc.String()
			return res, &FrameError{Message: frame.Error}
		}
	}
}

// Encode writes one frame line followed by the blank separator line
func Encode(w io.Writer, frame api.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, DataPrefix+string(data)+"\n\n")
	return err
}
