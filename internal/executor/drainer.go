package executor

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

// Chunk is one framed piece of child output.
type Chunk struct {
	Stream    string // "stdout" or "stderr"
	Seq       uint64
	Data      []byte
	Truncated bool
}

// outputBudget is the total-byte budget shared by both stream drainers.
// The first time the budget is exhausted, warn fires exactly once.
type outputBudget struct {
	mu        sync.Mutex
	remaining int64
	dropped   int64
	warned    bool
	warn      func()
}

func newOutputBudget(maxTotalBytes int64, warn func()) *outputBudget {
	return &outputBudget{remaining: maxTotalBytes, warn: warn}
}

// take reserves up to n bytes. It returns how many of the n bytes may be
// forwarded; the remainder is accounted as dropped.
func (b *outputBudget) take(n int64) int64 {
	b.mu.Lock()
	allowed := n
	if allowed > b.remaining {
		allowed = b.remaining
	}
	b.remaining -= allowed
	overflow := n - allowed
	b.dropped += overflow
	warnNow := overflow > 0 && !b.warned
	if warnNow {
		b.warned = true
	}
	b.mu.Unlock()

	if warnNow && b.warn != nil {
		b.warn()
	}
	return allowed
}

// drop accounts n bytes as dropped without consuming budget.
func (b *outputBudget) drop(n int64) {
	b.mu.Lock()
	b.dropped += n
	b.mu.Unlock()
}

// Dropped returns the total bytes dropped across both streams.
func (b *outputBudget) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// drainer consumes one child stream, frames it into line-oriented chunks and
// enforces the per-line and total-byte limits. The emit callback may block;
// that is the back-pressure path, and it is acceptable for it to propagate
// all the way to the child's pipe.
type drainer struct {
	stream   string
	reader   io.ReadCloser
	maxLine  int
	budget   *outputBudget
	lastByte *atomic.Int64 // UnixNano of the last byte seen on any stream
	emit     func(Chunk)
	clock    func() int64

	seq uint64
	// emitted is read by the supervisor while the drainer may still be
	// running (the leaked-child path), so it must be atomic.
	emitted atomic.Int64
}

func newDrainer(stream string, r io.ReadCloser, maxLine int, budget *outputBudget, lastByte *atomic.Int64, clock func() int64, emit func(Chunk)) *drainer {
	return &drainer{
		stream:   stream,
		reader:   r,
		maxLine:  maxLine,
		budget:   budget,
		lastByte: lastByte,
		emit:     emit,
		clock:    clock,
	}
}

// run reads the stream to EOF. A "line" is bytes up to and including '\n', or
// maxLine bytes when no newline arrives first; in that case the partial line
// is emitted with Truncated set and the remainder of the over-long line is
// discarded up to the next newline.
func (d *drainer) run() {
	defer func() { _ = d.reader.Close() }()

	br := bufio.NewReaderSize(d.reader, d.maxLine)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			d.lastByte.Store(d.clock())
			truncated := err == bufio.ErrBufferFull
			d.forward(line, truncated)
		}
		switch err {
		case nil:
			// Complete line; keep framing.
		case bufio.ErrBufferFull:
			// Over-long line: resynchronize on the next newline, counting
			// the skipped tail as dropped bytes.
			if !d.skipToNewline(br) {
				return
			}
		default:
			// EOF or the pipe was torn down under us.
			return
		}
	}
}

// forward emits as much of the line as the shared budget allows.
func (d *drainer) forward(line []byte, truncated bool) {
	allowed := d.budget.take(int64(len(line)))
	if allowed == 0 {
		return
	}
	data := make([]byte, allowed)
	copy(data, line[:allowed])
	d.emitted.Add(allowed)
	d.emit(Chunk{
		Stream:    d.stream,
		Seq:       d.seq,
		Data:      data,
		Truncated: truncated || allowed < int64(len(line)),
	})
	d.seq++
}

// skipToNewline discards bytes until after the next newline. Returns false
// when the stream ended.
func (d *drainer) skipToNewline(br *bufio.Reader) bool {
	for {
		skipped, err := br.ReadSlice('\n')
		if len(skipped) > 0 {
			d.lastByte.Store(d.clock())
			d.budget.drop(int64(len(skipped)))
		}
		switch err {
		case nil:
			return true
		case bufio.ErrBufferFull:
			continue
		default:
			return false
		}
	}
}

// Emitted returns the bytes forwarded on this stream. Safe to call while the
// drainer is still running.
func (d *drainer) Emitted() int64 {
	return d.emitted.Load()
}

// DecodeChunkData converts raw chunk bytes to a UTF-8 string, replacing
// invalid sequences.
func DecodeChunkData(data []byte) string {
	return string(bytes.ToValidUTF8(data, []byte("�")))
}
