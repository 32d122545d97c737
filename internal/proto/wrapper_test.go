package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProto_Wrapper_DownlinkFlags(t *testing.T) {
	t.Parallel()

	f := DownlinkFlags(true, true)
	require.Equal(t, Flags(0x0f), f)
	require.True(t, f.Response())
	require.True(t, f.Write())
	require.True(t, f.Valid())
	require.True(t, f.Downlink())
	require.False(t, f.CloudSyncLost())

	f = DownlinkFlags(false, false)
	require.Equal(t, Flags(0x0c), f)
	require.False(t, f.Response())
	require.False(t, f.Write())
}

func TestProto_Wrapper_UplinkFlagBits(t *testing.T) {
	t.Parallel()

	// Typical uplink request: write + valid + reserved bit 6.
	f := Flags(0x46)
	require.False(t, f.Response())
	require.True(t, f.Write())
	require.True(t, f.Valid())
	require.False(t, f.Downlink())
	require.False(t, f.CloudSyncLost())
	require.True(t, f.ReservedClear())

	require.True(t, Flags(0x66).CloudSyncLost())
	require.False(t, Flags(0x56).ReservedClear(), "bit 4 set")
	require.False(t, Flags(0xc6).ReservedClear(), "bit 7 set")
	require.False(t, Flags(0x42).Valid(), "device rejected")
}

func TestProto_Wrapper_RoundTrip(t *testing.T) {
	t.Parallel()

	body := (&Ping{Prefix: Prefix{CSeq: 0xff, DeviceID: 1}, Value: PingReplyValue}).Marshal()
	payload := EncodeWrapper(MsgPing, DownlinkFlags(true, true), body)

	require.Equal(t, uint8(0x22), payload[0])
	require.Equal(t, uint8(0x0f), payload[1])
	// Encoded length is body length minus 8.
	require.Equal(t, []byte{0x02, 0x00}, payload[2:4])

	w, got, err := DecodeWrapper(payload)
	require.NoError(t, err)
	require.Equal(t, MsgPing, w.Type)
	require.Equal(t, DownlinkFlags(true, true), w.Flags)
	require.Equal(t, body, got)
}

func TestProto_Wrapper_DecodeRejectsShortInput(t *testing.T) {
	t.Parallel()

	_, _, err := DecodeWrapper([]byte{0x22, 0x0f, 0x02})
	require.ErrorIs(t, err, ErrMessageTooShort)

	// Header promises more body than the payload holds.
	payload := EncodeWrapper(MsgPing, DownlinkFlags(false, false), make([]byte, PingBodySize))
	_, _, err = DecodeWrapper(payload[:len(payload)-1])
	require.ErrorIs(t, err, ErrMessageTooShort)
}
