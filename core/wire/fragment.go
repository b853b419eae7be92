package wire

// Split partitions payload into frame-sized chunks and returns the
// per-frame headers (Sequence/MsgType/Step/flags set, PayloadLen/CRC16
// left for Build to fill in) paired with their payload slices. It is
// the bridge-side half of §4.6 step 4 ("fragments the payload at
// 200-byte boundaries").
func Split(msgType MsgType, seq uint16, step Step, ackRequested bool, payload []byte) ([]Header, [][]byte) {
	total := len(payload)
	fragCnt := 1
	if total > 0 {
		fragCnt = (total + MaxPayloadPerFrame - 1) / MaxPayloadPerFrame
	}

	headers := make([]Header, fragCnt)
	chunks := make([][]byte, fragCnt)
	for i := 0; i < fragCnt; i++ {
		start := i * MaxPayloadPerFrame
		end := start + MaxPayloadPerFrame
		if end > total {
			end = total
		}

		var flags uint8
		if ackRequested {
			flags |= FlagAckRequested
		}
		if fragCnt > 1 {
			flags |= FlagIsFragment
			if i == fragCnt-1 {
				flags |= FlagLastFragment
			}
		}

		h := Header{
			MsgType:  msgType,
			Flags:    flags,
			Sequence: seq,
			FragIdx:  uint8(i),
			FragCnt:  uint8(fragCnt),
		}
		headers[i] = h.WithStep(step)
		chunks[i] = payload[start:end]
	}
	return headers, chunks
}
