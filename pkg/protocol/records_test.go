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
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCommandLayout(t *testing.T) {
	c := &Command{
		Kind:     BulkWriteRequest,
		Session:  7,
		Addr:     0x1000,
		Data:     0xdeadbeef,
		NumBytes: 4096,
		Text:     "memdrive",
	}

	buf, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, CommandSize)

	le := binary.LittleEndian
	require.Equal(t, uint32(BulkWriteRequest), le.Uint32(buf[0:]))
	require.Equal(t, []byte{0, 0, 0, 0}, buf[4:8])
	require.Equal(t, uint64(7), le.Uint64(buf[8:]))
	require.Equal(t, uint64(0x1000), le.Uint64(buf[16:]))
	require.Equal(t, uint64(0xdeadbeef), le.Uint64(buf[24:]))
	require.Equal(t, uint64(4096), le.Uint64(buf[32:]))
	require.Equal(t, "memdrive", string(buf[40:48]))
	require.Equal(t, byte(0), buf[48])
}

func TestResponseLayout(t *testing.T) {
	r := &Response{Error: Retry, Data: 1, NumBytes: 2, Session: 3}

	buf, err := r.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, ResponseSize)

	le := binary.LittleEndian
	require.Equal(t, uint32(Retry), le.Uint32(buf[0:]))
	require.Equal(t, uint64(1), le.Uint64(buf[8:]))
	require.Equal(t, uint64(2), le.Uint64(buf[16:]))
	require.Equal(t, uint64(3), le.Uint64(buf[24:]))

	decoded, err := ReadResponse(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestCommandText(t *testing.T) {
	for _, tc := range []struct {
		name    string
		text    string
		invalid bool
	}{
		{name: "empty", text: ""},
		{name: "regular", text: "memdrive"},
		{name: "longest", text: strings.Repeat("x", TextSize-1)},
		{name: "no room for terminator", text: strings.Repeat("x", TextSize), invalid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteCommand(&buf, &Command{Kind: InitiateSession, Text: tc.text})
			if tc.invalid {
				require.True(t, errors.Is(err, ErrTextTooLong))
				require.Zero(t, buf.Len())
				return
			}
			require.NoError(t, err)

			c, err := ReadCommand(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.text, c.Text)
		})
	}
}

func TestTextStopsAtFirstNul(t *testing.T) {
	buf := make([]byte, CommandSize)
	copy(buf[40:], "abc\x00garbage")

	c := &Command{}
	require.NoError(t, c.UnmarshalBinary(buf))
	require.Equal(t, "abc", c.Text)
}

func TestShortRecords(t *testing.T) {
	_, err := ReadCommand(bytes.NewReader(make([]byte, CommandSize-1)))
	require.Error(t, err)

	require.True(t, errors.Is((&Response{}).UnmarshalBinary(make([]byte, 8)), ErrShortRecord))
}

func TestKinds(t *testing.T) {
	require.Equal(t, 14, NumCommandKinds)
	require.Equal(t, 12, NumErrorKinds)

	for k := CommandKind(0); k < NumCommandKinds; k++ {
		require.True(t, k.Valid())
		require.NotContains(t, k.String(), "command-kind-")
	}
	require.False(t, CommandKind(NumCommandKinds).Valid())
	require.Equal(t, "command-kind-99", CommandKind(99).String())

	require.False(t, InitiateSession.SessionScoped())
	require.True(t, EndSession.SessionScoped())

	require.Equal(t, uint32(11), uint32(Unknown))
	require.Equal(t, "protocol: retry", Retry.Error())
}
