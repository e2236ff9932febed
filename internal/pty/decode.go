package pty

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// utf8Decoder turns raw pty bytes into valid UTF-8, replacing invalid
// sequences with U+FFFD. An incomplete sequence at the end of a chunk is
// held back, at most utf8.UTFMax-1 bytes, and completed by the next chunk.
type utf8Decoder struct {
	t     transform.Transformer
	carry []byte
	dst   []byte
}

func newUTF8Decoder() *utf8Decoder {
	return &utf8Decoder{t: unicode.UTF8.NewDecoder()}
}

// decode returns everything in carry+chunk that can be decoded now. With
// atEOF set, a held-back tail is flushed as replacement characters.
func (d *utf8Decoder) decode(chunk []byte, atEOF bool) string {
	src := append(d.carry, chunk...)
	if len(src) == 0 {
		return ""
	}
	// Each invalid byte can grow to a three byte replacement character.
	if need := 3*len(src) + utf8.UTFMax; len(d.dst) < need {
		d.dst = make([]byte, need)
	}

	var out strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(d.dst, src, atEOF)
		out.Write(d.dst[:nDst])
		src = src[nSrc:]
		if err == transform.ErrShortDst && nSrc > 0 {
			continue
		}
		break
	}
	if atEOF {
		src = nil
	}
	d.carry = append(d.carry[:0], src...)
	return out.String()
}
