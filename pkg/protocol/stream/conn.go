// Package stream adapts byte streams to typed envelope exchange.
package stream

import (
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol/codec"
)

// ByteStream is the minimal framing surface a transport stream provides.
type ByteStream interface {
	SendBytes([]byte) error
	RecvBytes() ([]byte, error)
}

// Conn sends and receives envelopes over a ByteStream using a fixed
// outbound format. Inbound frames may arrive in any registered format.
type Conn struct {
	bs     ByteStream
	reg    *codec.Registry
	format protocol.Format
}

func New(bs ByteStream, reg *codec.Registry, f protocol.Format) *Conn {
	if reg == nil {
		reg = codec.NewRegistry()
	}
	if f == protocol.FormatUnknown {
		f = protocol.FormatJSON
	}
	return &Conn{bs: bs, reg: reg, format: f}
}

// Send encodes e and writes one frame.
func (c *Conn) Send(e *protocol.Envelope) error {
	b, err := protocol.EncodeFrame(c.reg, c.format, e)
	if err != nil {
		return err
	}
	return c.bs.SendBytes(b)
}

// Recv reads one frame and decodes it.
func (c *Conn) Recv() (*protocol.Envelope, error) {
	b, err := c.bs.RecvBytes()
	if err != nil {
		return nil, err
	}
	e, _, err := protocol.DecodeFrame(c.reg, b)
	return e, err
}
