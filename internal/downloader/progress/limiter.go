package progress

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// LimitedReader throttles reads to the limiter's rate.
type LimitedReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

// NewLimitedReader returns r unchanged when bytesPerSec is not positive.
func NewLimitedReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}

	return &LimitedReader{
		ctx:     ctx,
		reader:  r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)),
	}
}

func (r *LimitedReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n <= 0 {
		return n, err
	}

	// WaitN rejects requests above the burst, so wait in burst sized steps
	for left := n; left > 0; {
		step := min(left, r.limiter.Burst())
		if werr := r.limiter.WaitN(r.ctx, step); werr != nil {
			return n, werr
		}

		left -= step
	}

	return n, err
}
