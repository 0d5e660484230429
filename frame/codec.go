package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	syncByte   = 0x30
	headerLen  = 3
	maxBodyLen = 1<<16 - 1
)

// ErrIncomplete means the buffer does not yet hold a full frame; the
// caller should read more bytes and retry. ErrSyncByte and ErrUnknownType
// are hard protocol errors: the connection should be dropped.
var (
	ErrIncomplete  = errors.New("frame: incomplete")
	ErrSyncByte    = errors.New("frame: parse verify error")
	ErrUnknownType = errors.New("frame: parse error")
)

// Encode serializes f as a complete wire record: sync byte, big-endian u16
// length, body.
func Encode(f Frame) ([]byte, error) {
	body, err := encodeBody(f)
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyLen {
		return nil, fmt.Errorf("frame: body too large (%d bytes)", len(body))
	}
	out := make([]byte, 0, headerLen+len(body))
	out = append(out, syncByte)
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	out = append(out, body...)
	return out, nil
}

func encodeBody(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindProbe:
		probe := f.Probe
		if probe == "" {
			probe = probeAck
		}
		return append([]byte{byte(KindProbe)}, probe...), nil
	case KindRegister:
		if f.Register == nil {
			return nil, errors.New("frame: register frame missing payload")
		}
		data, err := json.Marshal(f.Register)
		if err != nil {
			return nil, fmt.Errorf("frame: encode register: %w", err)
		}
		return append([]byte{byte(KindRegister)}, data...), nil
	case KindSubscribe:
		if f.Subscribe == nil {
			return nil, errors.New("frame: subscribe frame missing payload")
		}
		data, err := json.Marshal(f.Subscribe)
		if err != nil {
			return nil, fmt.Errorf("frame: encode subscribe: %w", err)
		}
		return append([]byte{byte(KindSubscribe)}, data...), nil
	case KindConnection, KindTargetConnection:
		if f.Connection == nil {
			return nil, errors.New("frame: connection frame missing payload")
		}
		data, err := json.Marshal(f.Connection)
		if err != nil {
			return nil, fmt.Errorf("frame: encode connection: %w", err)
		}
		return append([]byte{byte(f.Kind)}, data...), nil
	default:
		return nil, fmt.Errorf("frame: unknown kind %q", byte(f.Kind))
	}
}

// Decode attempts to decode a single frame from the front of buf. On
// success it returns the frame and the number of bytes consumed. On
// ErrIncomplete, consumed is always 0 and the caller should append more
// bytes to buf and retry; any other error is fatal for the connection.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrIncomplete
	}
	if buf[0] != syncByte {
		return Frame{}, 0, ErrSyncByte
	}
	if len(buf) < headerLen {
		return Frame{}, 0, ErrIncomplete
	}
	n := binary.BigEndian.Uint16(buf[1:headerLen])
	total := headerLen + int(n)
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	f, err := decodeBody(buf[headerLen:total])
	if err != nil {
		return Frame{}, 0, err
	}
	return f, total, nil
}

func decodeBody(body []byte) (Frame, error) {
	if len(body) == 0 {
		return Frame{}, fmt.Errorf("%w: empty body", ErrUnknownType)
	}
	kind := Kind(body[0])
	payload := body[1:]
	switch kind {
	case KindProbe:
		switch string(payload) {
		case probePing:
			return Ping(), nil
		case probeKeepAlive:
			return KeepAlive(), nil
		default:
			// Spec: "any other value is treated as ack".
			return Ack(), nil
		}
	case KindRegister:
		var info RegisterInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return Frame{}, fmt.Errorf("%w: register: %s", ErrUnknownType, err)
		}
		return NewRegister(info), nil
	case KindSubscribe:
		var info SubscribeInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return Frame{}, fmt.Errorf("%w: subscribe: %s", ErrUnknownType, err)
		}
		return NewSubscribe(info), nil
	case KindConnection:
		var info ConnectionInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return Frame{}, fmt.Errorf("%w: connection: %s", ErrUnknownType, err)
		}
		return NewConnection(info), nil
	case KindTargetConnection:
		var info ConnectionInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return Frame{}, fmt.Errorf("%w: target_connection: %s", ErrUnknownType, err)
		}
		return NewTargetConnection(info), nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown type byte %q", ErrUnknownType, byte(kind))
	}
}
