package audio

// FrameMillis is the chunk granularity used throughout the bridge.
const FrameMillis = 20

// FrameBytes returns the byte size of one 20 ms linear16 mono frame at the
// given sample rate.
func FrameBytes(sampleRate int) int {
	return sampleRate * FrameMillis / 1000 * 2
}

// BytesPerMillisecond returns the linear16 mono byte rate at sampleRate,
// used to convert queue sizes into playback durations.
func BytesPerMillisecond(sampleRate int) int {
	return sampleRate * 2 / 1000
}

// Chunker re-slices an arbitrary byte stream into fixed-size frames. Bytes
// that do not fill a whole frame, including a trailing half sample, stay
// buffered until the next write, so downstream consumers (resampler, codec)
// only ever see aligned input. Not safe for concurrent use.
type Chunker struct {
	frameSize int
	buf       []byte
}

// NewChunker creates a chunker emitting frames of frameSize bytes.
func NewChunker(frameSize int) *Chunker {
	return &Chunker{frameSize: frameSize}
}

// Write appends data and returns every complete frame now available. The
// returned slices alias an internal buffer copy and are valid until the next
// call.
func (c *Chunker) Write(data []byte) [][]byte {
	c.buf = append(c.buf, data...)
	var frames [][]byte
	for len(c.buf) >= c.frameSize {
		frames = append(frames, c.buf[:c.frameSize])
		c.buf = c.buf[c.frameSize:]
	}
	return frames
}

// Flush returns any buffered partial frame and empties the buffer.
func (c *Chunker) Flush() []byte {
	rest := c.buf
	c.buf = nil
	return rest
}

// Buffered reports how many bytes are waiting for the next complete frame.
func (c *Chunker) Buffered() int { return len(c.buf) }
