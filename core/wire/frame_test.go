package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildParseRoundTrip(t *testing.T) {
	h := Header{
		MsgType:  MsgWriteConfig,
		Flags:    FlagAckRequested,
		Sequence: 42,
		FragIdx:  0,
		FragCnt:  1,
	}
	payload := []byte("hello provisioning")

	frame, err := Build(h, payload)
	require.NoError(t, err)

	gotHeader, gotPayload, err := Parse(frame)
	require.NoError(t, err)
	require.Equal(t, h.MsgType, gotHeader.MsgType)
	require.Equal(t, h.Flags, gotHeader.Flags)
	require.Equal(t, h.Sequence, gotHeader.Sequence)
	require.Equal(t, payload, gotPayload)
}

func TestParseRejectsBadMagic(t *testing.T) {
	frame, err := Build(Header{MsgType: MsgPing, FragCnt: 1}, nil)
	require.NoError(t, err)
	frame[0] ^= 0xFF

	_, _, err = Parse(frame)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsBadVersion(t *testing.T) {
	frame, err := Build(Header{MsgType: MsgPing, FragCnt: 1}, nil)
	require.NoError(t, err)
	frame[2] = 0x02

	_, _, err = Parse(frame)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsTruncated(t *testing.T) {
	frame, err := Build(Header{MsgType: MsgPing, FragCnt: 1}, []byte("xyz"))
	require.NoError(t, err)

	_, _, err = Parse(frame[:len(frame)-1])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsBitFlips(t *testing.T) {
	frame, err := Build(Header{MsgType: MsgReadConfig, Sequence: 7, FragCnt: 1}, []byte("payload-data"))
	require.NoError(t, err)

	mismatches := 0
	for byteIdx := range frame {
		for bit := 0; bit < 8; bit++ {
			flipped := make([]byte, len(frame))
			copy(flipped, frame)
			flipped[byteIdx] ^= 1 << bit

			if _, _, err := Parse(flipped); err != nil {
				mismatches++
			}
		}
	}
	total := len(frame) * 8
	// CRC-16 detects every single-bit error by construction (the error
	// polynomial for one flipped bit is never divisible by a non-trivial
	// generator), so every flip here is caught, not just ~1-2^-16 of them.
	require.Equal(t, total, mismatches)
}

func TestParseRejectsFragIdxOutOfRange(t *testing.T) {
	frame, err := Build(Header{MsgType: MsgPing, FragIdx: 0, FragCnt: 1}, nil)
	require.NoError(t, err)
	// force frag_idx >= frag_cnt
	frame[7] = 5
	frame[8] = 5
	crcFixed := frame
	// recompute crc isn't necessary: frag_idx>=frag_cnt is rejected before CRC check
	_, _, err = Parse(crcFixed)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestSplitFragmentsAtBoundary(t *testing.T) {
	payload := make([]byte, MaxPayloadPerFrame+50)
	for i := range payload {
		payload[i] = byte(i)
	}

	headers, chunks := Split(MsgReadConfig, 9, StepBase, true, payload)
	require.Len(t, headers, 2)
	require.Equal(t, uint8(2), headers[0].FragCnt)
	require.False(t, headers[0].IsLastFragment())
	require.True(t, headers[1].IsLastFragment())
	require.True(t, headers[0].IsFragment())

	reconstructed := append(append([]byte{}, chunks[0]...), chunks[1]...)
	require.Equal(t, payload, reconstructed)
}

func TestStepRoundTrip(t *testing.T) {
	h := Header{}.WithStep(StepApply)
	require.Equal(t, StepApply, h.Step())
	require.Equal(t, uint8(0), h.Flags&FlagAckRequested)
}
