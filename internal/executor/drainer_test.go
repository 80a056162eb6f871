package executor

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect runs a drainer over the input to EOF and returns the emitted chunks.
func collect(t *testing.T, input string, maxLine int, budget *outputBudget) []Chunk {
	t.Helper()
	var chunks []Chunk
	var lastByte atomic.Int64
	d := newDrainer("stdout", io.NopCloser(strings.NewReader(input)), maxLine, budget, &lastByte,
		func() int64 { return 0 },
		func(c Chunk) { chunks = append(chunks, c) })
	d.run()
	return chunks
}

func bigBudget() *outputBudget {
	return newOutputBudget(1<<30, nil)
}

func TestDrainerFramesLines(t *testing.T) {
	chunks := collect(t, "one\ntwo\nthree\n", 64, bigBudget())

	require.Len(t, chunks, 3)
	assert.Equal(t, "one\n", string(chunks[0].Data))
	assert.Equal(t, "two\n", string(chunks[1].Data))
	assert.Equal(t, "three\n", string(chunks[2].Data))
	for i, c := range chunks {
		assert.Equal(t, uint64(i), c.Seq)
		assert.False(t, c.Truncated)
	}
}

func TestDrainerFinalLineWithoutNewline(t *testing.T) {
	chunks := collect(t, "partial", 64, bigBudget())
	require.Len(t, chunks, 1)
	assert.Equal(t, "partial", string(chunks[0].Data))
	assert.False(t, chunks[0].Truncated)
}

func TestDrainerOverLongLineTruncatesAndResyncs(t *testing.T) {
	budget := bigBudget()
	input := strings.Repeat("a", 100) + "\nnext\n"
	chunks := collect(t, input, 16, budget)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 16), string(chunks[0].Data))
	assert.True(t, chunks[0].Truncated)
	assert.Equal(t, "next\n", string(chunks[1].Data))
	assert.False(t, chunks[1].Truncated)
	// 100 - 16 a's plus the newline were skipped.
	assert.Equal(t, int64(85), budget.Dropped())
}

func TestDrainerExactlyMaxLineNoNewline(t *testing.T) {
	// A line of exactly maxLine bytes with no trailing newline must yield one
	// truncated chunk and then end cleanly.
	chunks := collect(t, strings.Repeat("b", 16), 16, bigBudget())

	require.Len(t, chunks, 1)
	assert.Equal(t, strings.Repeat("b", 16), string(chunks[0].Data))
	assert.True(t, chunks[0].Truncated)
}

func TestBudgetExhaustionDropsAndWarnsOnce(t *testing.T) {
	var warns atomic.Int32
	budget := newOutputBudget(12, func() { warns.Add(1) })

	chunks := collect(t, "aaaa\nbbbb\ncccc\ndddd\n", 64, budget)

	var emitted int64
	for _, c := range chunks {
		emitted += int64(len(c.Data))
	}
	assert.Equal(t, int64(12), emitted)
	assert.Equal(t, int64(8), budget.Dropped())
	assert.Equal(t, int32(1), warns.Load())
	// The line that straddled the limit is emitted partially, flagged
	// truncated; the fully dropped line produces no chunk at all.
	require.Len(t, chunks, 3)
	assert.Equal(t, "cc", string(chunks[2].Data))
	assert.True(t, chunks[2].Truncated)
}

func TestBudgetTakeAccounting(t *testing.T) {
	budget := newOutputBudget(5, nil)

	assert.Equal(t, int64(5), budget.take(5))
	assert.Equal(t, int64(0), budget.take(3))
	assert.Equal(t, int64(3), budget.Dropped())
}

func TestDecodeChunkDataReplacesInvalidUTF8(t *testing.T) {
	out := DecodeChunkData([]byte{'h', 'i', 0xff, 0xfe})
	// A run of invalid bytes collapses into one replacement rune.
	assert.Equal(t, "hi�", out)
}

func TestDrainerEmittedCount(t *testing.T) {
	var lastByte atomic.Int64
	d := newDrainer("stderr", io.NopCloser(strings.NewReader("12345\n")), 64, bigBudget(), &lastByte,
		func() int64 { return 42 }, func(Chunk) {})
	d.run()

	assert.Equal(t, int64(6), d.Emitted())
	assert.Equal(t, int64(42), lastByte.Load())
}

func TestDrainerEmittedReadableWhileRunning(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)

	var lastByte atomic.Int64
	d := newDrainer("stdout", r, 64, bigBudget(), &lastByte,
		func() int64 { return 0 }, func(Chunk) {})

	done := make(chan struct{})
	go func() {
		d.run()
		close(done)
	}()

	// The supervisor reads Emitted on the leaked-child path while the drainer
	// may still be forwarding; the counter must be safe under that overlap.
	for i := 0; i < 50; i++ {
		_, err := w.Write([]byte("line\n"))
		require.NoError(t, err)
		_ = d.Emitted()
	}
	require.NoError(t, w.Close())
	<-done

	assert.Equal(t, int64(250), d.Emitted())
}
