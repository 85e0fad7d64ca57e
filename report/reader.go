package report

import (
	"bufio"
	"context"
	"io"

	"golang.org/x/time/rate"
)

// DefaultMaxLine is the recommended maximum framed-line size (spec.md
// §6: "≥ 64 KiB recommended because of long command lines").
const DefaultMaxLine = 64 * 1024

// PipeReader decodes CRLF-terminated report lines off the interception
// pipe, throttled by a byte-rate limiter so a runaway producer cannot
// starve the decode loop's other duties. The limiter is the same
// token-bucket idea as the teacher's ingest connection throttle
// (ingest/rates.go), applied to bytes read rather than bytes shipped.
type PipeReader struct {
	src     *bufio.Reader
	limiter *rate.Limiter
	maxLine int
}

// NewPipeReader wraps r. A nil limiter disables throttling.
func NewPipeReader(r io.Reader, limiter *rate.Limiter) *PipeReader {
	return &PipeReader{src: bufio.NewReaderSize(r, DefaultMaxLine), limiter: limiter, maxLine: DefaultMaxLine}
}

// ReadLine returns the next line with its trailing CRLF stripped. io.EOF
// is returned verbatim when the pipe closes cleanly between records.
func (p *PipeReader) ReadLine(ctx context.Context) ([]byte, error) {
	line, err := p.src.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}
	line = trimCRLF(line)
	if p.limiter != nil {
		if werr := p.limiter.WaitN(ctx, len(line)+2); werr != nil {
			return nil, werr
		}
	}
	if len(line) > p.maxLine {
		return nil, &DecodeError{Offset: 0, Reason: ErrTooFewFields}
	}
	return line, err
}

func trimCRLF(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return b[:n]
}
