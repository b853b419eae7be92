package dispatch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dvo001/provlink/core/payload"
	"github.com/dvo001/provlink/core/wire"
	"github.com/dvo001/provlink/device/store"
	"github.com/dvo001/provlink/device/token"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tok := token.New([]byte("secret"))
	d := New(st, tok, 1, Hooks{}, nil)
	return d, st
}

func frameFor(t *testing.T, msgType wire.MsgType, seq uint16, body interface{}) (wire.Header, []byte) {
	t.Helper()
	var payloadBytes []byte
	if body != nil {
		b, err := payload.Encode(body)
		require.NoError(t, err)
		payloadBytes = b
	}
	h := wire.Header{MsgType: msgType, Sequence: seq, FragIdx: 0, FragCnt: 1}
	return h, payloadBytes
}

func TestPingRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h, body := frameFor(t, wire.MsgPing, 1, nil)

	out := d.HandleFrame("peerA", h, body, time.Unix(0, 0))
	require.Len(t, out.Frames, 1)

	gotHeader, gotPayload, err := wire.Parse(out.Frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.MsgPingAck, gotHeader.MsgType)
	require.Empty(t, gotPayload)
}

func TestWriteConfigWrongTokenDenied(t *testing.T) {
	d, st := newTestDispatcher(t)
	h, body := frameFor(t, wire.MsgWriteConfig, 2, map[string]interface{}{
		"token": "wrong",
		"cfg": map[string]interface{}{
			"wifi": map[string]interface{}{"ssid": "net"},
		},
	})

	out := d.HandleFrame("peerA", h, body, time.Unix(0, 0))
	require.Len(t, out.Frames, 1)

	gotHeader, gotPayload, err := wire.Parse(out.Frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.MsgNack, gotHeader.MsgType)

	nack, err := payload.DecodeMap(gotPayload)
	require.NoError(t, err)
	require.Equal(t, CodeSecurityDenied, nack["code"])

	cfg, err := st.Load()
	require.NoError(t, err)
	require.EqualValues(t, 0, cfg.CfgVersion)
}

func TestWriteConfigSuccessBumpsVersion(t *testing.T) {
	d, st := newTestDispatcher(t)
	h, body := frameFor(t, wire.MsgWriteConfig, 3, map[string]interface{}{
		"token": "secret",
		"cfg": map[string]interface{}{
			"wifi": map[string]interface{}{"ssid": "net", "pass": "pw"},
			"mqtt": map[string]interface{}{"host": "broker", "port": 1883},
		},
	})

	out := d.HandleFrame("peerA", h, body, time.Unix(0, 0))
	require.Len(t, out.Frames, 1)

	gotHeader, _, err := wire.Parse(out.Frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.MsgWriteAck, gotHeader.MsgType)

	cfg, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, "net", cfg.WifiSSID)
	require.Equal(t, "pw", cfg.WifiPass)
	require.EqualValues(t, 1, cfg.CfgVersion)
}

func TestSSIDWithoutPassClearsPassViaDispatch(t *testing.T) {
	d, st := newTestDispatcher(t)
	h1, body1 := frameFor(t, wire.MsgWriteConfig, 4, map[string]interface{}{
		"token": "secret",
		"cfg":   map[string]interface{}{"wifi": map[string]interface{}{"ssid": "net1", "pass": "pw"}},
	})
	d.HandleFrame("peerA", h1, body1, time.Unix(0, 0))

	h2, body2 := frameFor(t, wire.MsgWriteConfig, 5, map[string]interface{}{
		"token": "secret",
		"cfg":   map[string]interface{}{"wifi": map[string]interface{}{"ssid": "net2"}},
	})
	d.HandleFrame("peerA", h2, body2, time.Unix(0, 1))

	cfg, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, "net2", cfg.WifiSSID)
	require.Empty(t, cfg.WifiPass)
}

func TestDuplicateRequestReplaysCachedReplyWithoutReexecuting(t *testing.T) {
	d, st := newTestDispatcher(t)
	h, body := frameFor(t, wire.MsgWriteConfig, 6, map[string]interface{}{
		"token": "secret",
		"cfg":   map[string]interface{}{"wifi": map[string]interface{}{"ssid": "net"}},
	})

	first := d.HandleFrame("peerA", h, body, time.Unix(0, 0))
	require.Len(t, first.Frames, 1)

	second := d.HandleFrame("peerA", h, body, time.Unix(0, int64(300*time.Millisecond)))
	require.Len(t, second.Frames, 1)
	require.Equal(t, first.Frames[0], second.Frames[0])

	cfg, err := st.Load()
	require.NoError(t, err)
	require.EqualValues(t, 1, cfg.CfgVersion)
}

func TestReadConfigReturnsRequestedFieldsOnly(t *testing.T) {
	d, _ := newTestDispatcher(t)
	wh, wbody := frameFor(t, wire.MsgWriteConfig, 7, map[string]interface{}{
		"token": "secret",
		"cfg": map[string]interface{}{
			"wifi": map[string]interface{}{"ssid": "net"},
			"mqtt": map[string]interface{}{"host": "broker"},
		},
	})
	d.HandleFrame("peerA", wh, wbody, time.Unix(0, 0))

	rh, rbody := frameFor(t, wire.MsgReadConfig, 8, map[string]interface{}{
		"token":  "secret",
		"fields": []interface{}{"wifi.ssid", "mqtt.host", "sys.cfg_version"},
	})
	out := d.HandleFrame("peerA", rh, rbody, time.Unix(0, 1))
	require.Len(t, out.Frames, 1)

	gotHeader, gotPayload, err := wire.Parse(out.Frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.MsgReadAck, gotHeader.MsgType)

	reply, err := payload.DecodeMap(gotPayload)
	require.NoError(t, err)
	data, ok := reply["data"].(map[string]interface{})
	require.True(t, ok)

	wifi, ok := data["wifi"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "net", wifi["ssid"])

	mqtt, ok := data["mqtt"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "broker", mqtt["host"])

	sys, ok := data["sys"].(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 1, sys["cfg_version"])
}

func TestApplyAcksBeforeRunningHook(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	defer st.Close()

	ran := false
	tok := token.New([]byte("secret"))
	d := New(st, tok, 1, Hooks{Apply: func() { ran = true }}, nil)

	h, body := frameFor(t, wire.MsgApply, 9, nil)
	out := d.HandleFrame("peerA", h, body, time.Unix(0, 0))
	require.Len(t, out.Frames, 1)
	require.False(t, ran, "hook must not run before the caller confirms send")

	require.NotNil(t, out.PostSend)
	out.PostSend()
	require.True(t, ran)
}

func TestUnsupportedOpNacks(t *testing.T) {
	d, _ := newTestDispatcher(t)
	h := wire.Header{MsgType: wire.MsgType(0x99), Sequence: 10, FragCnt: 1}

	out := d.HandleFrame("peerA", h, nil, time.Unix(0, 0))
	require.Len(t, out.Frames, 1)

	gotHeader, gotPayload, err := wire.Parse(out.Frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.MsgNack, gotHeader.MsgType)

	nack, err := payload.DecodeMap(gotPayload)
	require.NoError(t, err)
	require.Equal(t, CodeUnsupportedOp, nack["code"])
}
