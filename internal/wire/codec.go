// file: internal/wire/codec.go
package wire

import (
	"encoding/binary"
	"encoding/json"

	"github.com/dkoosis/fast/internal/ferrors"
)

// Codec encodes and decodes Fast wire frames. The zero value is strict
// (LenientStatus false) and ready to use.
type Codec struct {
	// LenientStatus, when true, accepts a frame whose status byte differs
	// from its type byte instead of rejecting it (§9 open question: the
	// spec's default is strict rejection; this is the documented escape
	// hatch for interop testing, never enabled by default).
	LenientStatus bool
}

// payloadOf renders the JSON payload octets for msg without touching the
// header, so Encode and crc16XModem see identical bytes.
func payloadOf(msg Message) ([]byte, error) {
	switch msg.Type {
	case TypeData, TypeEnd:
		return json.Marshal(msg.Data)
	case TypeError:
		return json.Marshal(msg.Error)
	default:
		return nil, ferrors.NewProtocolError(ferrors.CodeBadType, "unknown message type", nil, map[string]interface{}{
			"type": int(msg.Type),
		})
	}
}

// Encode serializes msg to its wire form: 15-byte header followed by the
// canonical JSON payload.
func (c Codec) Encode(msg Message) ([]byte, error) {
	if msg.ID == 0 {
		return nil, ferrors.NewProtocolError(ferrors.CodeIDZero, "message id must be non-zero", nil, nil)
	}

	payload, err := payloadOf(msg)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadLen {
		return nil, ferrors.NewProtocolError(ferrors.CodeOversizedFrame, "payload exceeds maximum frame length", nil, map[string]interface{}{
			"length": len(payload),
			"max":    MaxPayloadLen,
		})
	}

	crc := crc16XModem(payload)

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = ProtocolVersion
	buf[1] = byte(msg.Type)
	buf[2] = byte(msg.Type) // status mirrors type on encode; only decode can diverge.
	binary.BigEndian.PutUint32(buf[3:7], msg.ID)
	binary.BigEndian.PutUint32(buf[7:11], uint32(crc))
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// Header is the parsed form of a frame's fixed 15-byte prefix, returned by
// DecodeHeader so callers (the frame stream) know how many payload bytes
// to read next before calling DecodePayload.
type Header struct {
	Version uint8
	Type    Type
	Status  Type
	ID      uint32
	CRC     uint16
	Length  uint32
}

// DecodeHeader parses the fixed-size header, validating version, type,
// status, id, and declared length, but not the payload itself.
func (c Codec) DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ferrors.NewProtocolError(ferrors.CodeTruncatedFrame, "header shorter than 15 bytes", nil, map[string]interface{}{
			"length": len(buf),
		})
	}

	h := Header{
		Version: buf[0],
		Type:    Type(buf[1]),
		Status:  Type(buf[2]),
		ID:      binary.BigEndian.Uint32(buf[3:7]),
	}
	crcField := binary.BigEndian.Uint32(buf[7:11])
	h.Length = binary.BigEndian.Uint32(buf[11:15])

	if h.Version != ProtocolVersion {
		return Header{}, ferrors.NewProtocolError(ferrors.CodeBadVersion, "unsupported protocol version", nil, map[string]interface{}{
			"version": int(h.Version),
		})
	}
	if h.Type != TypeData && h.Type != TypeEnd && h.Type != TypeError {
		return Header{}, ferrors.NewProtocolError(ferrors.CodeBadType, "unknown message type", nil, map[string]interface{}{
			"type": int(h.Type),
		})
	}
	if h.Status != h.Type && !c.LenientStatus {
		return Header{}, ferrors.NewProtocolError(ferrors.CodeStatusTypeMismatch, "status byte does not match type byte", nil, map[string]interface{}{
			"type":   int(h.Type),
			"status": int(h.Status),
		})
	}
	if h.ID == 0 {
		return Header{}, ferrors.NewProtocolError(ferrors.CodeIDZero, "message id must be non-zero", nil, nil)
	}
	if crcField > 0xFFFF {
		return Header{}, ferrors.NewProtocolError(ferrors.CodeCRCMismatch, "CRC field upper bits must be zero", nil, map[string]interface{}{
			"crcField": crcField,
		})
	}
	h.CRC = uint16(crcField)
	if h.Length > MaxPayloadLen {
		return Header{}, ferrors.NewProtocolError(ferrors.CodeOversizedFrame, "declared payload length exceeds maximum", nil, map[string]interface{}{
			"length": h.Length,
			"max":    MaxPayloadLen,
		})
	}

	return h, nil
}

// DecodePayload validates and parses the payload bytes belonging to header
// h into a structured Message. Callers must have already read exactly
// h.Length bytes (the frame stream owns that accounting).
func (c Codec) DecodePayload(h Header, payload []byte) (Message, error) {
	if crc16XModem(payload) != h.CRC {
		return Message{}, ferrors.NewProtocolError(ferrors.CodeCRCMismatch, "payload checksum mismatch", nil, map[string]interface{}{
			"id": h.ID,
		})
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return Message{}, ferrors.NewProtocolError(ferrors.CodeMalformedJSON, "payload is not a JSON object", err, map[string]interface{}{
			"id": h.ID,
		})
	}
	if _, ok := top["d"]; !ok {
		return Message{}, ferrors.NewProtocolError(ferrors.CodeStructuralMismatch, "payload missing 'd' field", nil, map[string]interface{}{
			"id": h.ID,
		})
	}

	msg := Message{Type: h.Type, ID: h.ID}

	switch h.Type {
	case TypeData, TypeEnd:
		var data DataPayload
		if err := json.Unmarshal(payload, &data); err != nil {
			return Message{}, ferrors.NewProtocolError(ferrors.CodeStructuralMismatch, "'d' must be an array for DATA/END messages", err, map[string]interface{}{
				"id": h.ID,
			})
		}
		if data.D == nil {
			return Message{}, ferrors.NewProtocolError(ferrors.CodeStructuralMismatch, "'d' must be an array for DATA/END messages", nil, map[string]interface{}{
				"id": h.ID,
			})
		}
		msg.Data = data
	case TypeError:
		var errPayload ErrorPayload
		if err := json.Unmarshal(payload, &errPayload); err != nil {
			return Message{}, ferrors.NewProtocolError(ferrors.CodeStructuralMismatch, "'d' must be an object for ERROR messages", err, map[string]interface{}{
				"id": h.ID,
			})
		}
		msg.Error = errPayload
	}

	return msg, nil
}

// Decode parses a complete frame (header + payload) in one call; primarily
// used by tests and the round-trip property checks. Production code reads
// the header and payload separately through the frame stream so it knows
// how many bytes to pull off the wire.
func (c Codec) Decode(buf []byte) (Message, error) {
	h, err := c.DecodeHeader(buf)
	if err != nil {
		return Message{}, err
	}
	if uint32(len(buf)-HeaderSize) != h.Length {
		return Message{}, ferrors.NewProtocolError(ferrors.CodeTruncatedFrame, "payload length does not match header", nil, map[string]interface{}{
			"declared": h.Length,
			"actual":   len(buf) - HeaderSize,
		})
	}
	return c.DecodePayload(h, buf[HeaderSize:])
}
