// file: internal/wire/codec_test.go
package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_EncodeDecode_RoundTrip(t *testing.T) {
	c := Codec{}
	items := []json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`"b"`)}
	msg := NewDataMessage(7, "echo", 1234, items)

	buf, err := c.Encode(msg)
	require.NoError(t, err)

	decoded, err := c.Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Data.M, decoded.Data.M)
	require.Len(t, decoded.Data.D, 2)
	assert.JSONEq(t, `"a"`, string(decoded.Data.D[0]))
	assert.JSONEq(t, `"b"`, string(decoded.Data.D[1]))
}

func TestCodec_Encode_ZeroIDRejected(t *testing.T) {
	c := Codec{}
	_, err := c.Encode(NewDataMessage(0, "echo", 0, nil))
	require.Error(t, err)
}

func TestCodec_Decode_CRCMismatchIsFatal(t *testing.T) {
	c := Codec{}
	buf, err := c.Encode(NewEndMessage(1, "date", 0, nil))
	require.NoError(t, err)

	buf[HeaderSize] ^= 0xFF // flip a payload byte

	_, err = c.Decode(buf)
	require.Error(t, err)
}

func TestCodec_Decode_RejectsBadVersion(t *testing.T) {
	c := Codec{}
	buf, err := c.Encode(NewEndMessage(1, "date", 0, nil))
	require.NoError(t, err)

	buf[0] = 9

	_, err = c.Decode(buf)
	require.Error(t, err)
}

func TestCodec_Decode_RejectsStatusTypeMismatch(t *testing.T) {
	c := Codec{}
	buf, err := c.Encode(NewEndMessage(1, "date", 0, nil))
	require.NoError(t, err)

	buf[2] = byte(TypeError)

	_, err = c.Decode(buf)
	require.Error(t, err)

	lenient := Codec{LenientStatus: true}
	_, err = lenient.Decode(buf)
	require.NoError(t, err)
}

func TestCodec_Decode_RejectsOversizedFrame(t *testing.T) {
	c := Codec{}
	h := Header{Version: ProtocolVersion, Type: TypeData, Status: TypeData, ID: 1, Length: MaxPayloadLen + 1}
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	buf[2] = byte(h.Status)
	buf[3], buf[4], buf[5], buf[6] = 0, 0, 0, 1
	buf[11], buf[12], buf[13], buf[14] = 0x01, 0x00, 0x00, 0x01

	_, err := c.DecodeHeader(buf)
	require.Error(t, err)
}

func TestCodec_Decode_EmptyDataArrayAllowed(t *testing.T) {
	c := Codec{}
	buf, err := c.Encode(NewDataMessage(1, "date", 0, []json.RawMessage{}))
	require.NoError(t, err)

	decoded, err := c.Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, decoded.Data.D)
}

func TestCodec_Decode_RejectsMissingDField(t *testing.T) {
	c := Codec{}
	payload := []byte(`{"m":{"name":"x","uts":0}}`)
	crc := crc16XModem(payload)

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = ProtocolVersion
	buf[1] = byte(TypeData)
	buf[2] = byte(TypeData)
	buf[3], buf[4], buf[5], buf[6] = 0, 0, 0, 1
	buf[9], buf[10] = byte(crc>>8), byte(crc)
	buf[11], buf[12], buf[13], buf[14] = byte(len(payload)>>24), byte(len(payload)>>16), byte(len(payload)>>8), byte(len(payload))
	copy(buf[HeaderSize:], payload)

	_, err := c.Decode(buf)
	require.Error(t, err)
}
