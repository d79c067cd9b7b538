package progress

import (
	"io"
	"math"
	"time"
)

// Reader wraps an io.Reader and reports the cumulative byte count after every read.
// Callers throttle in the callback.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)
	totalRead  int64
}

func NewReader(r io.Reader, total int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)

		if pr.OnProgress != nil {
			pr.OnProgress(pr.totalRead, pr.Total)
		}
	}

	return n, err
}

// Written returns the number of bytes read so far.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}

// Stats is a point-in-time view of a transfer.
type Stats struct {
	Percent    int     // 0 when the total is unknown
	SpeedMBps  float64 // rounded to two decimals
	ETASeconds int64   // 0 when unknown
}

const mebibyte = 1024 * 1024

// Measure derives percent, speed and remaining time from the bytes written after elapsed.
func Measure(written, total int64, elapsed time.Duration) Stats {
	var s Stats

	if total > 0 {
		s.Percent = int(written * 100 / total)
	}

	if elapsed <= 0 || written <= 0 {
		return s
	}

	bytesPerSec := float64(written) / elapsed.Seconds()
	s.SpeedMBps = math.Round(bytesPerSec/mebibyte*100) / 100

	if total > written && bytesPerSec > 0 {
		s.ETASeconds = int64(float64(total-written) / bytesPerSec)
	}

	return s
}
