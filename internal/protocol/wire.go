package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one decoded datagram from the transport wire.
// SocketID addresses the logical endpoint, UserID identifies the sender.
// Channel and Payload are only meaningful for FrameData.
type Frame struct {
	Kind     byte
	SocketID string
	UserID   string
	Channel  uint8
	Payload  []byte
}

// EncodeFrame serializes a frame into a single datagram:
//
//	[magic:1][kind:1][socket_len:1][socket][user_len:1][user]
//	FrameData additionally: [channel:1][payload_len:2 LE][payload]
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.SocketID) > MaxDescriptorLen {
		return nil, fmt.Errorf("socket descriptor too long: %d bytes (max %d)", len(f.SocketID), MaxDescriptorLen)
	}
	if len(f.UserID) > MaxDescriptorLen {
		return nil, fmt.Errorf("user id too long: %d bytes (max %d)", len(f.UserID), MaxDescriptorLen)
	}
	if len(f.Payload) > MaxPacketSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(f.Payload), MaxPacketSize)
	}

	var buf bytes.Buffer
	buf.WriteByte(WireMagic)
	buf.WriteByte(f.Kind)
	writeString(&buf, f.SocketID)
	writeString(&buf, f.UserID)

	if f.Kind == FrameData {
		buf.WriteByte(f.Channel)
		binary.Write(&buf, binary.LittleEndian, uint16(len(f.Payload)))
		buf.Write(f.Payload)
	}

	return buf.Bytes(), nil
}

// DecodeFrame parses a single datagram. Truncated or foreign datagrams are
// reported as errors; the caller decides whether to drop or log.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame

	if len(data) < 2 {
		return f, fmt.Errorf("datagram too short: %d bytes", len(data))
	}
	if data[0] != WireMagic {
		return f, fmt.Errorf("bad magic byte 0x%02X", data[0])
	}

	f.Kind = data[1]
	switch f.Kind {
	case FrameData, FrameConnect, FrameClose, FramePing:
	default:
		return f, fmt.Errorf("unknown frame kind 0x%02X", f.Kind)
	}

	r := bytes.NewReader(data[2:])

	var err error
	if f.SocketID, err = readString(r); err != nil {
		return f, fmt.Errorf("failed to read socket descriptor: %w", err)
	}
	if f.UserID, err = readString(r); err != nil {
		return f, fmt.Errorf("failed to read user id: %w", err)
	}

	if f.Kind != FrameData {
		return f, nil
	}

	if err := binary.Read(r, binary.LittleEndian, &f.Channel); err != nil {
		return f, fmt.Errorf("failed to read channel: %w", err)
	}

	var payloadLen uint16
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return f, fmt.Errorf("failed to read payload length: %w", err)
	}
	if int(payloadLen) != r.Len() {
		return f, fmt.Errorf("payload length mismatch: announced %d, have %d", payloadLen, r.Len())
	}

	f.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, fmt.Errorf("failed to read payload: %w", err)
	}

	return f, nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(uint8(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	length, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
