package watchhub

import (
	"errors"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// Decoder turns a byte stream into text one chunk at a time. An incomplete
// multi-byte sequence at the end of a chunk is held back until the next call.
type Decoder struct {
	t     transform.Transformer
	carry []byte
	dst   []byte
}

func NewDecoder(enc encoding.Encoding) *Decoder {
	return &Decoder{t: enc.NewDecoder(), dst: make([]byte, 4096)}
}

// Decode returns the text decoded so far. The result may be empty when p only
// holds the first bytes of a character.
func (d *Decoder) Decode(p []byte) (string, error) {
	src := p
	if len(d.carry) > 0 {
		src = append(d.carry, p...)
		d.carry = nil
	}

	var sb strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(d.dst, src, false)
		sb.Write(d.dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			return sb.String(), nil
		case errors.Is(err, transform.ErrShortSrc):
			d.carry = append([]byte(nil), src...)
			return sb.String(), nil
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				d.dst = make([]byte, 2*len(d.dst))
			}
		default:
			d.t.Reset()
			return sb.String(), err
		}
	}
}

// Pending reports how many undecoded bytes are carried to the next call.
func (d *Decoder) Pending() int { return len(d.carry) }

// DecodeAll decodes a complete buffer such as a backlog.
func DecodeAll(enc encoding.Encoding, b []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
