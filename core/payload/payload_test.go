package payload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripMap(t *testing.T) {
	in := map[string]interface{}{
		"token": "t",
		"cfg": map[string]interface{}{
			"wifi": map[string]interface{}{
				"ssid": "net",
				"pass": "pw",
			},
		},
	}

	b, err := Encode(in)
	require.NoError(t, err)

	out, err := DecodeMap(b)
	require.NoError(t, err)
	require.Equal(t, "t", out["token"])

	cfg, ok := out["cfg"].(map[string]interface{})
	require.True(t, ok)
	wifi, ok := cfg["wifi"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "net", wifi["ssid"])
	require.Equal(t, "pw", wifi["pass"])
}

func TestRoundTripArrayOfStrings(t *testing.T) {
	in := map[string]interface{}{
		"fields": []interface{}{"wifi.ssid", "mqtt.host"},
	}
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := DecodeMap(b)
	require.NoError(t, err)
	fields, ok := out["fields"].([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"wifi.ssid", "mqtt.host"}, fields)
}

func TestRoundTripScalars(t *testing.T) {
	in := map[string]interface{}{
		"port":    1883,
		"dhcp":    true,
		"missing": nil,
	}
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := DecodeMap(b)
	require.NoError(t, err)
	require.EqualValues(t, 1883, out["port"])
	require.Equal(t, true, out["dhcp"])
	require.Nil(t, out["missing"])
}

func TestDecodeUnknownKeysAreTolerated(t *testing.T) {
	in := map[string]interface{}{
		"token":      "t",
		"future_key": "ignored by older readers",
	}
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := DecodeMap(b)
	require.NoError(t, err)
	require.Equal(t, "t", out["token"])
	require.Equal(t, "ignored by older readers", out["future_key"])
}

func TestDecodeRejectsTruncated(t *testing.T) {
	b, err := Encode(map[string]interface{}{"a": "bbbbbbbbbb"})
	require.NoError(t, err)

	_, err = DecodeMap(b[:len(b)-2])
	require.Error(t, err)
}

func TestDecodeRejectsNonStringMapKey(t *testing.T) {
	// Hand-build a map with a single integer key (major type 0) mapping
	// to a text value; the protocol only allows text-string map keys.
	data := []byte{
		0xA1,       // map(1)
		0x01,       // key: uint(1)
		0x61, 0x78, // value: text(1) "x"
	}
	_, err := DecodeMap(data)
	require.ErrorIs(t, err, ErrUnsupportedForm)
}

func TestDecodeRejectsIndefiniteLength(t *testing.T) {
	data := []byte{
		0xBF, // map, indefinite length
		0xFF, // break
	}
	_, err := DecodeMap(data)
	require.Error(t, err)
}

func TestDecodeRejectsFloat(t *testing.T) {
	data := []byte{
		0xA1,                   // map(1)
		0x61, 0x78,             // key "x"
		0xFA, 0x00, 0x00, 0x00, 0x00, // float32(0.0)
	}
	_, err := DecodeMap(data)
	require.ErrorIs(t, err, ErrUnsupportedForm)
}

func TestDecodeRejectsTag(t *testing.T) {
	data := []byte{
		0xA1,       // map(1)
		0x61, 0x78, // key "x"
		0xC0,       // tag(0)
		0x61, 0x79, // text "y"
	}
	_, err := DecodeMap(data)
	require.Error(t, err)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	big := make([]byte, 300)
	for i := range big {
		big[i] = 'x'
	}
	_, err := Encode(map[string]interface{}{"blob": string(big)})
	require.Error(t, err)
}
