package link

import (
	"bufio"
	"io"

	"github.com/rs/zerolog"
)

// DefaultMaxFrame bounds how many bytes may accumulate without a line feed
// before the partial frame is discarded.
const DefaultMaxFrame = 4096

// FrameHandler receives one line-feed-terminated frame, without the LF.
// The slice is only valid for the duration of the call.
type FrameHandler func(frame []byte)

// ReadFrames reads r one byte at a time and hands each LF-terminated frame to
// handle, in arrival order. It returns the first read error (io.EOF when
// the stream ends).
func ReadFrames(r io.Reader, maxFrame int, log zerolog.Logger, handle FrameHandler) error {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	br := bufio.NewReaderSize(r, 4096)
	buf := make([]byte, 0, 256)
	overflow := false

	for {
		b, err := br.ReadByte()
		if err != nil {
			if len(buf) > 0 {
				log.Debug().Int("bytes", len(buf)).Msg("discarding partial frame at end of stream")
			}
			return err
		}

		if b == '\n' {
			if overflow {
				overflow = false
			} else {
				handle(buf)
			}
			buf = buf[:0]
			continue
		}
		if overflow {
			continue
		}
		if len(buf) >= maxFrame {
			log.Warn().Int("limit", maxFrame).Msg("frame exceeds limit without line feed, discarding")
			buf = buf[:0]
			overflow = true
			continue
		}
		buf = append(buf, b)
	}
}
