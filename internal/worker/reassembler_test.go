package worker

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

// feedAll pushes chunks through a fresh reassembler and flushes at the end
func feedAll(re *Reassembler, chunks ...[]byte) []string {
	var lines []string
	for _, c := range chunks {
		lines = append(lines, re.Feed(c)...)
	}
	return append(lines, re.Flush()...)
}

// splitEvery cuts data into pieces of n bytes
func splitEvery(data []byte, n int) [][]byte {
	var chunks [][]byte
	for len(data) > n {
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return append(chunks, data)
}

func TestReassembler_ChunkingDoesNotChangeLines(t *testing.T) {
	stream := []byte("Iniciando coleta\r\n  turma A  \n\n\nSala 101 – Bloco Ç\nfim sem quebra")
	expected := []string{"Iniciando coleta", "turma A", "Sala 101 – Bloco Ç", "fim sem quebra"}

	for size := 1; size <= len(stream); size++ {
		re := NewReassembler(nil, 0)
		assert.Equal(t, expected, feedAll(re, splitEvery(stream, size)...), "chunk size %d", size)
	}
}

func TestReassembler_MultiByteSplitAcrossChunks(t *testing.T) {
	re := NewReassembler(nil, 0)

	word := []byte("Ação\n")
	// "ç" is 0xC3 0xA7; split between the two bytes
	assert.Empty(t, re.Feed(word[:2]))
	assert.Empty(t, re.Feed(word[2:3]))
	assert.Equal(t, []string{"Ação"}, re.Feed(word[3:]))
}

func TestReassembler_EmptyLinesSuppressed(t *testing.T) {
	re := NewReassembler(nil, 0)

	assert.Empty(t, re.Feed([]byte("\n   \n\t\r\n")))
	assert.Empty(t, re.Flush())
}

func TestReassembler_FlushWithoutPending(t *testing.T) {
	re := NewReassembler(nil, 0)

	assert.Equal(t, []string{"a"}, re.Feed([]byte("a\n")))
	assert.Nil(t, re.Flush())
	assert.Equal(t, 0, re.pending())
}

func TestReassembler_InvalidUTF8Replaced(t *testing.T) {
	var warnings []error
	re := NewReassembler(nil, 0)
	re.OnWarning = func(err error) { warnings = append(warnings, err) }

	lines := re.Feed([]byte("ok \xff\xfe fim\n"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "�")
	assert.True(t, strings.HasPrefix(lines[0], "ok "))
	assert.True(t, strings.HasSuffix(lines[0], " fim"))

	require.NotEmpty(t, warnings)
	assert.True(t, errors.Is(warnings[0], ErrStreamDecode))
}

func TestReassembler_Latin1(t *testing.T) {
	re := NewReassembler(charmap.Windows1252, 0)

	// "Sessão" in windows-1252
	lines := re.Feed([]byte{'S', 'e', 's', 's', 0xE3, 'o', '\n'})
	assert.Equal(t, []string{"Sessão"}, lines)
}

func TestReassembler_LongLineTruncated(t *testing.T) {
	var warnings []error
	re := NewReassembler(nil, 8)
	re.OnWarning = func(err error) { warnings = append(warnings, err) }

	lines := feedAll(re, []byte("0123"), []byte("456789abcdef"), []byte("ghij\nnext\n"))
	assert.Equal(t, []string{"01234567" + TruncatedMarker, "next"}, lines)
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], ErrStreamDecode)
}

func TestReassembler_ExactlyMaxLineNotTruncated(t *testing.T) {
	re := NewReassembler(nil, 4)

	assert.Equal(t, []string{"abcd"}, re.Feed([]byte("abcd\n")))
}

// chunkReader returns its data in fixed-size reads
type chunkReader struct {
	data []byte
	size int
	err  error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := min(r.size, len(r.data), len(p))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReadLines(t *testing.T) {
	src := &chunkReader{data: []byte("one\ntwo\nthree"), size: 3}

	var lines []string
	err := ReadLines(src, NewReassembler(nil, 0), func(line string) {
		lines = append(lines, line)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestReadLines_ReadErrorFlushesFirst(t *testing.T) {
	boom := errors.New("boom")
	src := &chunkReader{data: []byte("done\npartial"), size: 64, err: boom}

	var lines []string
	err := ReadLines(src, NewReassembler(nil, 0), func(line string) {
		lines = append(lines, line)
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"done", "partial"}, lines)
}
