// Copyright The Accel Resource Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// TextSize is the size of the text field of a command record.
	TextSize = 256
	// CommandSize is the encoded size of a command record.
	CommandSize = 296
	// ResponseSize is the encoded size of a response record.
	ResponseSize = 32
)

var (
	// ErrTextTooLong is returned when command text does not fit its field.
	ErrTextTooLong = errors.New("protocol: command text too long")
	// ErrShortRecord is returned when a record is truncated.
	ErrShortRecord = errors.New("protocol: short record")
)

// Command is a client request.
type Command struct {
	Kind     CommandKind
	Session  uint64
	Addr     uint64
	Data     uint64
	NumBytes uint64
	// Text carries the requested application type for InitiateSession.
	Text string
}

// Response is the daemon's answer to a Command.
type Response struct {
	Error    ErrorKind
	Data     uint64
	NumBytes uint64
	Session  uint64
}

// wireCommand is the in-memory image of an encoded command record.
type wireCommand struct {
	Kind     uint32
	_        [4]byte
	Session  uint64
	Addr     uint64
	Data     uint64
	NumBytes uint64
	Text     [TextSize]byte
}

type wireResponse struct {
	Error    uint32
	_        [4]byte
	Data     uint64
	NumBytes uint64
	Session  uint64
}

// MarshalBinary encodes the command as a fixed-size record.
func (c *Command) MarshalBinary() ([]byte, error) {
	if len(c.Text) >= TextSize {
		return nil, errors.Wrapf(ErrTextTooLong, "%d bytes", len(c.Text))
	}

	w := wireCommand{
		Kind:     uint32(c.Kind),
		Session:  c.Session,
		Addr:     c.Addr,
		Data:     c.Data,
		NumBytes: c.NumBytes,
	}
	copy(w.Text[:], c.Text)

	buf := bytes.NewBuffer(make([]byte, 0, CommandSize))
	if err := binary.Write(buf, binary.LittleEndian, &w); err != nil {
		return nil, errors.Wrap(err, "protocol: failed to encode command")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a fixed-size command record. Text is cut at the
// first NUL byte.
func (c *Command) UnmarshalBinary(data []byte) error {
	if len(data) < CommandSize {
		return errors.Wrapf(ErrShortRecord, "command of %d bytes", len(data))
	}

	var w wireCommand
	if err := binary.Read(bytes.NewReader(data[:CommandSize]), binary.LittleEndian, &w); err != nil {
		return errors.Wrap(err, "protocol: failed to decode command")
	}

	text := w.Text[:]
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}

	*c = Command{
		Kind:     CommandKind(w.Kind),
		Session:  w.Session,
		Addr:     w.Addr,
		Data:     w.Data,
		NumBytes: w.NumBytes,
		Text:     string(text),
	}
	return nil
}

// MarshalBinary encodes the response as a fixed-size record.
func (r *Response) MarshalBinary() ([]byte, error) {
	w := wireResponse{
		Error:    uint32(r.Error),
		Data:     r.Data,
		NumBytes: r.NumBytes,
		Session:  r.Session,
	}

	buf := bytes.NewBuffer(make([]byte, 0, ResponseSize))
	if err := binary.Write(buf, binary.LittleEndian, &w); err != nil {
		return nil, errors.Wrap(err, "protocol: failed to encode response")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a fixed-size response record.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < ResponseSize {
		return errors.Wrapf(ErrShortRecord, "response of %d bytes", len(data))
	}

	var w wireResponse
	if err := binary.Read(bytes.NewReader(data[:ResponseSize]), binary.LittleEndian, &w); err != nil {
		return errors.Wrap(err, "protocol: failed to decode response")
	}

	*r = Response{
		Error:    ErrorKind(w.Error),
		Data:     w.Data,
		NumBytes: w.NumBytes,
		Session:  w.Session,
	}
	return nil
}

// ReadCommand reads one command record from r.
func ReadCommand(r io.Reader) (*Command, error) {
	buf := make([]byte, CommandSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "protocol: failed to read command")
	}
	c := &Command{}
	if err := c.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return c, nil
}

// WriteCommand writes one command record to w.
func WriteCommand(w io.Writer, c *Command) error {
	buf, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "protocol: failed to write command")
	}
	return nil
}

// ReadResponse reads one response record from r.
func ReadResponse(r io.Reader) (*Response, error) {
	buf := make([]byte, ResponseSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "protocol: failed to read response")
	}
	rsp := &Response{}
	if err := rsp.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return rsp, nil
}

// WriteResponse writes one response record to w.
func WriteResponse(w io.Writer, r *Response) error {
	buf, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "protocol: failed to write response")
	}
	return nil
}
