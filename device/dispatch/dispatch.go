// Package dispatch implements the device's per-request state machine
// of spec §4.5/§4.8: reassemble, dedup, dispatch by msg_type, reply,
// update the cache. Every exported entry point is driven by a single
// cooperative loop (spec §5); nothing here takes its own lock beyond
// what core/reassembly and core/dedup already guard internally.
package dispatch

import (
	"fmt"
	"time"

	"github.com/carlmjohnson/versioninfo"

	"github.com/dvo001/provlink/core/dedup"
	"github.com/dvo001/provlink/core/metrics"
	"github.com/dvo001/provlink/core/payload"
	"github.com/dvo001/provlink/core/reassembly"
	"github.com/dvo001/provlink/core/wire"
	"github.com/dvo001/provlink/device/store"
	"github.com/dvo001/provlink/device/token"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("device/dispatch")

// Negative-ack codes a device may emit, per spec §6/§7.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeSecurityDenied = "SECURITY_DENIED"
	CodeUnsupportedOp = "UNSUPPORTED_OP"
)

// Hooks are the external side effects apply/reboot trigger. They run
// only after the caller confirms the ack frame(s) actually left the
// transport (spec §4.5: "acknowledgment precedes the side effect").
type Hooks struct {
	// Apply re-reads persistent config into the running WiFi/MQTT
	// collaborators. May be nil in tests.
	Apply func()
	// Reboot triggers the system restart. May be nil in tests.
	Reboot func()
}

// Outcome is one inbound frame's dispatch result: zero or more reply
// frames to transmit, plus a PostSend hook the caller must invoke once
// those frames are confirmed sent (nil if there is nothing to do after
// send).
type Outcome struct {
	Frames   [][]byte
	PostSend func()
}

// Dispatcher holds the device's mutable protocol state: one reassembly
// slot, one dedup cache, the persistent store, and the shared token.
type Dispatcher struct {
	reasm *reassembly.Buffer
	dedup *dedup.Cache
	store *store.Store
	token *token.Token
	hooks Hooks
	mx    *metrics.Registry
}

// New constructs a Dispatcher. dedupCapacity<=0 uses the protocol's
// default single-slot cache.
func New(st *store.Store, tok *token.Token, dedupCapacity int, hooks Hooks, mx *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		reasm: reassembly.New(),
		dedup: dedup.New(dedupCapacity),
		store: st,
		token: tok,
		hooks: hooks,
		mx:    mx,
	}
}

// HandleFrame feeds one parsed, CRC-verified inbound frame through
// reassembly, dedup, and dispatch. peer is the transport-level source
// identifier. now drives reassembly aging.
func (d *Dispatcher) HandleFrame(peer string, h wire.Header, fragment []byte, now time.Time) Outcome {
	full, complete, err := d.reasm.Feed(peer, h, fragment, now)
	if err != nil {
		// Duplicate fragment, oversized reassembly, or any other
		// reassembly-layer condition: ignored per spec §4.3/§7, no reply.
		log.Debugf("device: reassembly(%s): %v", peer, err)
		if d.mx != nil {
			d.mx.ReassemblyDrops.Inc()
		}
		return Outcome{}
	}
	if !complete {
		return Outcome{}
	}

	key := dedup.Key{Peer: peer, Sequence: h.Sequence, MsgType: h.MsgType}
	if cached, hit := d.dedup.Lookup(key); hit {
		if d.mx != nil {
			d.mx.DedupHits.Inc()
		}
		return Outcome{Frames: splitFrames(cached)}
	}

	reply, ackType, postSend := d.dispatch(h, full)
	headers, chunks := wire.Split(ackType, h.Sequence, h.Step(), false, reply)

	frames := make([][]byte, 0, len(headers))
	for i, hdr := range headers {
		frame, buildErr := wire.Build(hdr, chunks[i])
		if buildErr != nil {
			log.Errorf("device: build reply fragment %d for %s: %v", i, peer, buildErr)
			return Outcome{}
		}
		frames = append(frames, frame)
	}

	// The dedup cache replays the full set of reply frames verbatim;
	// that is the unit a duplicate request must reproduce.
	d.dedup.Store(key, joinFrames(frames))
	if d.mx != nil {
		d.mx.DispatchTotal.WithLabelValues(h.MsgType.String(), ackOutcome(ackType)).Inc()
	}
	return Outcome{Frames: frames, PostSend: postSend}
}

// dispatch runs the handler for one complete, non-duplicate message and
// returns the reply payload bytes, the msg_type to send it under, and
// an optional hook to run once the reply has been transmitted.
func (d *Dispatcher) dispatch(h wire.Header, full []byte) ([]byte, wire.MsgType, func()) {
	switch h.MsgType {
	case wire.MsgPing:
		return []byte{}, wire.MsgPingAck, nil

	case wire.MsgWriteConfig:
		return d.handleWriteConfig(full)

	case wire.MsgReadConfig:
		return d.handleReadConfig(full)

	case wire.MsgApply:
		var postSend func()
		if d.hooks.Apply != nil {
			postSend = d.hooks.Apply
		}
		return []byte{}, wire.MsgApplyAck, postSend

	case wire.MsgReboot:
		var postSend func()
		if d.hooks.Reboot != nil {
			postSend = d.hooks.Reboot
		}
		return []byte{}, wire.MsgRebootAck, postSend

	default:
		return nack(CodeUnsupportedOp, fmt.Sprintf("unsupported msg_type 0x%02x", uint8(h.MsgType))), wire.MsgNack, nil
	}
}

func (d *Dispatcher) handleWriteConfig(full []byte) ([]byte, wire.MsgType, func()) {
	req, err := payload.DecodeMap(full)
	if err != nil {
		return nack(CodeBadRequest, "malformed write-config payload"), wire.MsgNack, nil
	}

	tok, _ := req["token"].(string)
	if !d.token.Matches(tok) {
		return nack(CodeSecurityDenied, "token mismatch"), wire.MsgNack, nil
	}

	cfg, _ := req["cfg"].(map[string]interface{})
	if cfg == nil {
		return nack(CodeBadRequest, "missing cfg"), wire.MsgNack, nil
	}

	fields := flattenCfg(cfg)
	if _, err := d.store.ApplyWrite(fields); err != nil {
		return nack(CodeBadRequest, "store write failed"), wire.MsgNack, nil
	}
	return []byte{}, wire.MsgWriteAck, nil
}

// flattenCfg turns {"wifi":{"ssid":"x"},"mqtt":{"host":"y"}} into the
// dotted-path keys store.ApplyWrite expects, ignoring any namespace
// other than wifi/mqtt per spec §4.5 ("other namespaces ignored").
func flattenCfg(cfg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, ns := range []string{"wifi", "mqtt"} {
		sub, ok := cfg[ns].(map[string]interface{})
		if !ok {
			continue
		}
		for leaf, v := range sub {
			out[ns+"."+leaf] = v
		}
	}
	return out
}

func (d *Dispatcher) handleReadConfig(full []byte) ([]byte, wire.MsgType, func()) {
	req, err := payload.DecodeMap(full)
	if err != nil {
		return nack(CodeBadRequest, "malformed read-config payload"), wire.MsgNack, nil
	}

	tok, _ := req["token"].(string)
	if !d.token.Matches(tok) {
		return nack(CodeSecurityDenied, "token mismatch"), wire.MsgNack, nil
	}

	rawFields, _ := req["fields"].([]interface{})
	cfg, err := d.store.Load()
	if err != nil {
		return nack(CodeBadRequest, "store read failed"), wire.MsgNack, nil
	}

	data := map[string]interface{}{}
	for _, rf := range rawFields {
		path, ok := rf.(string)
		if !ok {
			continue
		}
		var v interface{}
		if path == "sys.fw_version" {
			v = versioninfo.Short()
		} else {
			var ok2 bool
			v, ok2 = store.Field(cfg, path)
			if !ok2 {
				continue
			}
		}
		ns, leaf, ok := splitDotted(path)
		if !ok {
			continue
		}
		nsMap, ok := data[ns].(map[string]interface{})
		if !ok {
			nsMap = map[string]interface{}{}
			data[ns] = nsMap
		}
		nsMap[leaf] = v
	}

	reply, err := payload.Encode(map[string]interface{}{"data": data})
	if err != nil {
		return nack(CodeBadRequest, "reply too large"), wire.MsgNack, nil
	}
	return reply, wire.MsgReadAck, nil
}

func splitDotted(path string) (ns, leaf string, ok bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return "", "", false
}

func nack(code, msg string) []byte {
	b, err := payload.Encode(map[string]interface{}{"code": code, "msg": msg})
	if err != nil {
		// code/msg are always well under the payload budget; this would
		// only trip if the budget itself were misconfigured.
		return []byte{}
	}
	return b
}

// joinFrames concatenates a set of reply frames for single-value
// storage in the dedup cache; each frame's own header carries its
// length, so splitFrames can walk them back apart without a separator.
func joinFrames(frames [][]byte) []byte {
	out := make([]byte, 0, len(frames)*wire.HeaderSize)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

func splitFrames(joined []byte) [][]byte {
	var frames [][]byte
	for len(joined) >= wire.HeaderSize {
		_, body, err := wire.Parse(joined)
		if err != nil {
			break
		}
		frameLen := wire.HeaderSize + len(body)
		frames = append(frames, joined[:frameLen])
		joined = joined[frameLen:]
	}
	return frames
}

func ackOutcome(ack wire.MsgType) string {
	if ack == wire.MsgNack {
		return "nack"
	}
	return "ack"
}
