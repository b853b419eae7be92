package payload

// validateStrict walks data exactly the way the original firmware's
// hand-rolled cbor_read_head/cbor_skip walker does, rejecting anything
// outside the protocol's supported subset before cbor.Unmarshal ever
// sees it. Every advance is bounds-checked against data's length; a
// walk that would read past the end is ErrBounds, never a slice panic.
func validateStrict(data []byte) error {
	cur := 0
	if _, err := skipValue(data, &cur); err != nil {
		return err
	}
	if cur != len(data) {
		return ErrUnsupportedForm
	}
	return nil
}

// readHead reads one initial byte plus its length/value argument,
// returning the major type and the additional-info-derived value. It
// refuses the 8-byte-length form (additional info 27), the reserved
// forms (28-30), and indefinite length (31) — the protocol's decoder
// never needs lengths beyond a 4-byte prefix, given the 240-byte total
// payload cap.
func readHead(data []byte, cur *int) (major uint8, val uint64, err error) {
	if *cur >= len(data) {
		return 0, 0, ErrBounds
	}
	ib := data[*cur]
	*cur++
	major = ib >> 5
	ai := ib & 0x1F

	if major == 7 {
		if ai < 24 {
			return major, uint64(ai), nil
		}
		return 0, 0, ErrUnsupportedForm
	}

	switch {
	case ai < 24:
		return major, uint64(ai), nil
	case ai == 24:
		if *cur >= len(data) {
			return 0, 0, ErrBounds
		}
		val = uint64(data[*cur])
		*cur++
		return major, val, nil
	case ai == 25:
		if *cur+2 > len(data) {
			return 0, 0, ErrBounds
		}
		val = uint64(data[*cur])<<8 | uint64(data[*cur+1])
		*cur += 2
		return major, val, nil
	case ai == 26:
		if *cur+4 > len(data) {
			return 0, 0, ErrBounds
		}
		val = uint64(data[*cur])<<24 | uint64(data[*cur+1])<<16 |
			uint64(data[*cur+2])<<8 | uint64(data[*cur+3])
		*cur += 4
		return major, val, nil
	default:
		// ai == 27 (8-byte length), 28-30 (reserved), 31 (indefinite).
		return 0, 0, ErrUnsupportedForm
	}
}

// skipValue consumes one complete CBOR item starting at *cur, returning
// its major type for the caller's benefit (map-key checks use it).
func skipValue(data []byte, cur *int) (major uint8, err error) {
	major, val, err := readHead(data, cur)
	if err != nil {
		return 0, err
	}

	switch major {
	case 0, 1: // unsigned int, negative int
		return major, nil
	case 2, 3: // byte string, text string
		if uint64(*cur)+val > uint64(len(data)) {
			return 0, ErrBounds
		}
		*cur += int(val)
		return major, nil
	case 4: // array
		for i := uint64(0); i < val; i++ {
			if _, err := skipValue(data, cur); err != nil {
				return 0, err
			}
		}
		return major, nil
	case 5: // map — keys must be text strings (major type 3) in this protocol
		for i := uint64(0); i < val; i++ {
			keyMajor, err := skipValue(data, cur)
			if err != nil {
				return 0, err
			}
			if keyMajor != 3 {
				return 0, ErrUnsupportedForm
			}
			if _, err := skipValue(data, cur); err != nil {
				return 0, err
			}
		}
		return major, nil
	case 7: // false(20), true(21), null(22) only; readHead already refused ai >= 24
		if val < 20 || val > 22 {
			return 0, ErrUnsupportedForm
		}
		return major, nil
	default: // major 6 (tag) and anything else
		return 0, ErrUnsupportedForm
	}
}
