package frame

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	data, err := Encode(f)
	require.NoError(t, err)
	require.Equal(t, 3+int(binary.BigEndian.Uint16(data[1:3])), len(data), "encoded size equals 3 + length field")

	decoded, n, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	return decoded
}

func TestRoundTripProbes(t *testing.T) {
	require.Equal(t, Ping(), roundTrip(t, Ping()))
	require.Equal(t, Ack(), roundTrip(t, Ack()))
	require.Equal(t, KeepAlive(), roundTrip(t, KeepAlive()))
}

func TestRoundTripRegister(t *testing.T) {
	info := RegisterInfo{
		Tag:      "home-nas",
		TCPPort:  2222,
		MateData: map[string]string{"region": "lhr"},
	}
	got := roundTrip(t, NewRegister(info))
	require.Equal(t, NewRegister(info), got)
}

func TestRoundTripConnection(t *testing.T) {
	info := ConnectionInfo{
		AgentMode:     ModeRM,
		CorrelationID: "c0ffee-uuid",
		SourceTag:     "anon-1",
		TargetTag:     "home-nas",
		TargetHost:    "127.0.0.1:22",
	}
	require.Equal(t, NewConnection(info), roundTrip(t, NewConnection(info)))
	require.Equal(t, NewTargetConnection(info), roundTrip(t, NewTargetConnection(info)))
}

func TestRoundTripSubscribe(t *testing.T) {
	info := SubscribeInfo{TargetTag: "home-nas", TargetSockerAddr: "203.0.113.1:9000"}
	require.Equal(t, NewSubscribe(info), roundTrip(t, NewSubscribe(info)))
}

func TestDecodeIncompleteOnShortBuffer(t *testing.T) {
	full, err := Encode(NewRegister(RegisterInfo{Tag: "t"}))
	require.NoError(t, err)
	for n := 0; n < len(full); n++ {
		_, _, err := Decode(full[:n])
		require.ErrorIs(t, err, ErrIncomplete, "prefix of length %d should be incomplete", n)
	}
	_, consumed, err := Decode(full)
	require.NoError(t, err)
	require.Equal(t, len(full), consumed)
}

func TestDecodeBadSyncByte(t *testing.T) {
	_, _, err := Decode([]byte{0x00, 0x00, 0x01, 'x'})
	require.ErrorIs(t, err, ErrSyncByte)
}

func TestDecodeUnknownType(t *testing.T) {
	body := []byte{'?'}
	buf := []byte{syncByte, 0x00, byte(len(body))}
	buf = append(buf, body...)
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeBadJSON(t *testing.T) {
	body := append([]byte{byte(KindRegister)}, []byte("{not json")...)
	buf := []byte{syncByte, 0x00, byte(len(body))}
	buf = append(buf, body...)
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeExtraTrailingBytesAreNotConsumed(t *testing.T) {
	data, err := Encode(Ping())
	require.NoError(t, err)
	data = append(data, Ack2Bytes()...)
	f, n, err := Decode(data)
	require.NoError(t, err)
	require.True(t, f.IsPing())
	require.Less(t, n, len(data))

	next, _, err := Decode(data[n:])
	require.NoError(t, err)
	require.True(t, next.IsAck())
}

// Ack2Bytes returns the encoded bytes of an Ack frame, used to build a
// two-frame buffer for the trailing-bytes test above.
func Ack2Bytes() []byte {
	data, _ := Encode(Ack())
	return data
}
