package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexByte(t *testing.T) {
	assert.Equal(t, 3, indexByte([]byte("abc\ndef"), '\n'))
	assert.Equal(t, -1, indexByte([]byte("no newline"), '\n'))
}

func TestHasFlag(t *testing.T) {
	assert.True(t, hasFlag([]string{"name", "-i"}, "-i"), "expected -i to be found")
	assert.False(t, hasFlag([]string{"name"}, "-i"), "expected -i not to be found")
}

func TestStripFlag(t *testing.T) {
	got := stripFlag([]string{"name", "-i", "extra"}, "-i")
	assert.Equal(t, []string{"name", "extra"}, got)
}

func TestFrameReply(t *testing.T) {
	framed := frameReply(0, "ok body")
	assert.Equal(t, byte(0), framed[0], "the first byte carries the exit status")
	assert.Equal(t, "ok body", string(framed[1:len(framed)-1]))
	assert.Equal(t, byte(0), framed[len(framed)-1], "the reply must end with a NUL terminator")
}

func TestFrameReplyEmptyBody(t *testing.T) {
	framed := frameReply(1, "")
	assert.Equal(t, []byte{1, 0}, framed)
}
