package protocol

import (
	"fmt"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol/codec"
)

// Format is the compact on-wire indicator of the envelope encoding. It is
// carried as the first byte of every frame so peers can negotiate per-frame.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
)

func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCBOR:
		return "application/cbor"
	default:
		return "application/octet-stream"
	}
}

func codecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	if c := r.Get(f.ContentType()); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("no codec for format %d", f)
}

// EncodeFrame serializes e with the codec for f and prefixes a single
// format byte.
func EncodeFrame(r *codec.Registry, f Format, e *Envelope) ([]byte, error) {
	c, err := codecFor(r, f)
	if err != nil {
		return nil, err
	}
	var b []byte
	if f == FormatJSON {
		b, err = e.MarshalJSON()
	} else {
		var w wireEnvelope
		if w, err = e.wire(); err == nil {
			b, err = c.Marshal(w)
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeFrame parses a frame produced by EncodeFrame and returns the
// envelope plus the detected format. The JSON path rejects unknown
// top-level keys.
func DecodeFrame(r *codec.Registry, frame []byte) (*Envelope, Format, error) {
	if len(frame) == 0 {
		return nil, FormatUnknown, &ValidationError{Reason: "empty frame"}
	}
	f := Format(frame[0])
	c, err := codecFor(r, f)
	if err != nil {
		return nil, f, err
	}
	e := &Envelope{}
	if f == FormatJSON {
		if err := e.UnmarshalJSON(frame[1:]); err != nil {
			return nil, f, err
		}
		return e, f, nil
	}
	var w wireEnvelope
	if err := c.Unmarshal(frame[1:], &w); err != nil {
		return nil, f, &ValidationError{Reason: err.Error()}
	}
	if err := e.fromWire(w); err != nil {
		return nil, f, err
	}
	return e, f, nil
}
