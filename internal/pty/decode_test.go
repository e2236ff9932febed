package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUTF8DecoderHoldsOnlyPartialTail(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		flush  string
	}{
		{
			name:   "ascii",
			chunks: []string{"hello"},
			want:   []string{"hello"},
		},
		{
			name:   "split rune",
			chunks: []string{"ab\xed\x95", "\x9ccd"},
			want:   []string{"ab", "한cd"},
		},
		{
			name:   "invalid byte is replaced at once",
			chunks: []string{"a\xffb"},
			want:   []string{"a�b"},
		},
		{
			name:   "partial tail flushed at end",
			chunks: []string{"abc\xed"},
			want:   []string{"abc"},
			flush:  "�",
		},
		{
			name:   "lone partial chunk",
			chunks: []string{"\xe2\x82", "\xac"},
			want:   []string{"", "€"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newUTF8Decoder()
			for i, chunk := range tt.chunks {
				assert.Equal(t, tt.want[i], d.decode([]byte(chunk), false))
			}
			assert.Equal(t, tt.flush, d.decode(nil, true))
			assert.Empty(t, d.carry)
		})
	}
}

func TestUTF8DecoderCarryIsBounded(t *testing.T) {
	d := newUTF8Decoder()
	d.decode([]byte("xyz\xf0\x9f\x98"), false)
	assert.Len(t, d.carry, 3)
	assert.Equal(t, "😀", d.decode([]byte("\x80"), false))
	assert.Empty(t, d.carry)
}
