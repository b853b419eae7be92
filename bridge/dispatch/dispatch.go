// Package dispatch drives one operator request through the bridge's
// send-wait-ack-retry state machine of spec §4.6/§4.8, including the
// composite write→apply→reboot chain that reuses one sequence number
// across steps (distinguished from each other by the Step sub-counter
// of SPEC_FULL.md's Open Question decision #1).
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dvo001/provlink/core/metrics"
	"github.com/dvo001/provlink/core/payload"
	"github.com/dvo001/provlink/core/reassembly"
	"github.com/dvo001/provlink/core/wire"
	"github.com/dvo001/provlink/bridge/job"
	"github.com/dvo001/provlink/config"
	"github.com/dvo001/provlink/transport"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("bridge/dispatch")

// Operator-facing error codes a bridge response may carry, per spec §6/§7.
const (
	CodeBadRequest        = "BAD_REQUEST"
	CodeSecurityDenied    = "SECURITY_DENIED"
	CodeUnsupportedOp     = "UNSUPPORTED_OP"
	CodeNoAck             = "NO_ACK"
	CodeNack              = "NACK"
	CodeProprietaryTxFail = "PROPRIETARY_TX_FAIL"
	CodeBusy              = "BUSY"
)

// Op names accepted by Execute. "hello" is handled entirely within
// bridge/operator and never reaches here.
const (
	OpPing           = "ping"
	OpProvisionWrite = "provision_write"
	OpProvisionRead  = "provision_read"
	OpApply          = "apply"
	OpReboot         = "reboot"
)

// Request is the bridge-internal, already-JSON-decoded form of one
// operator line.
type Request struct {
	ID        string
	Op        string
	DeviceID  string
	Token     string
	Cfg       map[string]interface{} // provision_write
	Fields    []string                // provision_read
	ApplyAfter  bool                  // provision_write composite chaining
	RebootAfter bool                  // provision_write composite chaining
	TimeoutMS   int                   // 0 means use the op's configured default
}

// Response is the bridge-internal form later serialized onto the
// operator channel.
type Response struct {
	ID       string
	Op       string
	DeviceID string
	Status   string // "ok" | "error"
	Result   map[string]interface{}
	ErrCode  string
	ErrMsg   string
}

func errResponse(req Request, code, msg string) Response {
	return Response{ID: req.ID, Op: req.Op, DeviceID: req.DeviceID, Status: "error", ErrCode: code, ErrMsg: msg}
}

func okResponse(req Request, result map[string]interface{}) Response {
	return Response{ID: req.ID, Op: req.Op, DeviceID: req.DeviceID, Status: "ok", Result: result}
}

// Dispatcher owns the job record, the device directory, and the
// reassembly state for in-flight bridge-initiated conversations.
type Dispatcher struct {
	link    transport.Link
	job     *job.Record
	devices map[string]string
	policy  config.OpPolicy
	reasm   *reassembly.Buffer
	mx      *metrics.Registry
}

// New constructs a Dispatcher. devices maps operator-facing device_id
// strings to transport peer addresses.
func New(link transport.Link, devices map[string]string, policy config.OpPolicy, mx *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		link:    link,
		job:     job.New(),
		devices: devices,
		policy:  policy,
		reasm:   reassembly.New(),
		mx:      mx,
	}
}

// Execute runs one operator request to completion: validation,
// exclusive job acquisition, the wire conversation (possibly a
// composite chain), and job release. It never blocks past the
// request's own timeout budget.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Response {
	start := time.Now()
	resp := d.execute(ctx, req)

	if d.mx != nil {
		outcome := resp.ErrCode
		if resp.Status == "ok" {
			outcome = "ok"
		}
		d.mx.JobOutcomes.WithLabelValues(outcome).Inc()
		d.mx.JobDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	}
	return resp
}

func (d *Dispatcher) execute(ctx context.Context, req Request) Response {
	if resp, ok := d.validate(req); !ok {
		return resp
	}

	if req.TimeoutMS > 0 {
		// An operator-supplied timeout replaces every step's per-attempt
		// timeout for this job; attempt counts stay as configured.
		override := *d
		t := config.DurationMS(req.TimeoutMS)
		override.policy.WriteConfig.Timeout = t
		override.policy.ReadConfig.Timeout = t
		override.policy.Apply.Timeout = t
		override.policy.Reboot.Timeout = t
		d = &override
	}

	peer := d.devices[req.DeviceID]
	if err := d.job.Acquire(req.ID, peer); err != nil {
		return errResponse(req, CodeBusy, "bridge has another job in flight")
	}
	defer d.job.Release()

	seq := d.job.NextSequence()

	switch req.Op {
	case OpPing:
		return d.executePing(ctx, req, peer, seq)
	case OpProvisionWrite:
		return d.executeProvisionWrite(ctx, req, peer, seq)
	case OpProvisionRead:
		return d.executeProvisionRead(ctx, req, peer, seq)
	case OpApply:
		return d.executeSingle(ctx, req, peer, seq, wire.StepBase, wire.MsgApply, wire.MsgApplyAck, nil, d.policy.Apply, nil)
	case OpReboot:
		return d.executeSingle(ctx, req, peer, seq, wire.StepBase, wire.MsgReboot, wire.MsgRebootAck, nil, d.policy.Reboot, nil)
	default:
		return errResponse(req, CodeUnsupportedOp, fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (d *Dispatcher) validate(req Request) (Response, bool) {
	switch req.Op {
	case OpPing, OpProvisionWrite, OpProvisionRead, OpApply, OpReboot:
	default:
		return errResponse(req, CodeUnsupportedOp, fmt.Sprintf("unknown op %q", req.Op)), false
	}
	if req.DeviceID == "" {
		return errResponse(req, CodeBadRequest, "missing device_id"), false
	}
	if _, known := d.devices[req.DeviceID]; !known {
		return errResponse(req, CodeBadRequest, "unknown device_id"), false
	}
	if (req.Op == OpProvisionWrite || req.Op == OpProvisionRead) && req.Token == "" {
		return errResponse(req, CodeSecurityDenied, "missing auth.token"), false
	}
	return Response{}, true
}

func (d *Dispatcher) executePing(ctx context.Context, req Request, peer string, seq uint16) Response {
	res := d.sendWaitAck(ctx, peer, wire.MsgPing, seq, wire.StepBase, nil, wire.MsgPingAck, d.pingTimeout(), d.pingAttempts())
	if res.code != "" {
		return errResponse(req, res.code, res.detail)
	}
	return okResponse(req, nil)
}

func (d *Dispatcher) executeProvisionWrite(ctx context.Context, req Request, peer string, seq uint16) Response {
	payloadBytes, err := payload.Encode(map[string]interface{}{"token": req.Token, "cfg": req.Cfg})
	if err != nil {
		return errResponse(req, CodeBadRequest, "cfg payload too large")
	}

	res := d.sendWaitAck(ctx, peer, wire.MsgWriteConfig, seq, wire.StepBase, payloadBytes, wire.MsgWriteAck,
		d.policy.WriteConfig.Timeout.AsDuration(), d.policy.WriteConfig.Attempts)
	if res.code != "" {
		return errResponse(req, res.code, res.detail)
	}

	if req.ApplyAfter {
		applyRes := d.sendWaitAck(ctx, peer, wire.MsgApply, seq, wire.StepApply, nil, wire.MsgApplyAck,
			d.policy.Apply.Timeout.AsDuration(), d.policy.Apply.Attempts)
		if applyRes.code != "" {
			return errResponse(req, applyRes.code, applyRes.detail)
		}
		if req.RebootAfter {
			rebootRes := d.sendWaitAck(ctx, peer, wire.MsgReboot, seq, wire.StepReboot, nil, wire.MsgRebootAck,
				d.policy.Reboot.Timeout.AsDuration(), d.policy.Reboot.Attempts)
			if rebootRes.code != "" {
				return errResponse(req, rebootRes.code, rebootRes.detail)
			}
		}
	}

	return okResponse(req, map[string]interface{}{"detail": "stored"})
}

func (d *Dispatcher) executeProvisionRead(ctx context.Context, req Request, peer string, seq uint16) Response {
	fields := make([]interface{}, len(req.Fields))
	for i, f := range req.Fields {
		fields[i] = f
	}
	payloadBytes, err := payload.Encode(map[string]interface{}{"token": req.Token, "fields": fields})
	if err != nil {
		return errResponse(req, CodeBadRequest, "fields payload too large")
	}

	res := d.sendWaitAck(ctx, peer, wire.MsgReadConfig, seq, wire.StepBase, payloadBytes, wire.MsgReadAck,
		d.policy.ReadConfig.Timeout.AsDuration(), d.policy.ReadConfig.Attempts)
	if res.code != "" {
		return errResponse(req, res.code, res.detail)
	}

	ack, err := payload.DecodeMap(res.payload)
	if err != nil {
		return errResponse(req, CodeBadRequest, "malformed read-config ack")
	}
	data, _ := ack["data"].(map[string]interface{})
	return okResponse(req, map[string]interface{}{"data": data})
}

// executeSingle is the shared body for non-composite single-step ops
// (apply, reboot run standalone rather than chained off a write).
func (d *Dispatcher) executeSingle(ctx context.Context, req Request, peer string, seq uint16, step wire.Step,
	msgType, ackType wire.MsgType, payloadBytes []byte, policy config.OpTimeout, result map[string]interface{}) Response {

	res := d.sendWaitAck(ctx, peer, msgType, seq, step, payloadBytes, ackType, policy.Timeout.AsDuration(), policy.Attempts)
	if res.code != "" {
		return errResponse(req, res.code, res.detail)
	}
	return okResponse(req, result)
}

// pingTimeout/pingAttempts: spec §4.6 tables defaults for write-config,
// read-config, apply, and reboot but is silent on ping. We reuse the
// read-config budget (5000ms/2 attempts) since ping is the cheapest,
// lowest-risk op and that budget is already tuned for a round trip
// over the same lossy link.
func (d *Dispatcher) pingTimeout() time.Duration { return d.policy.ReadConfig.Timeout.AsDuration() }
func (d *Dispatcher) pingAttempts() int          { return d.policy.ReadConfig.Attempts }

type stepResult struct {
	payload []byte
	code    string
	detail  string
}

// sendWaitAck runs one send-fragment(s)-wait-ack-retry cycle: up to
// attempts full resend rounds, each waiting up to timeout for a frame
// matching (peer, seq, step, ackType|MsgNack).
func (d *Dispatcher) sendWaitAck(ctx context.Context, peer string, msgType wire.MsgType, seq uint16, step wire.Step,
	payloadBytes []byte, ackType wire.MsgType, timeout time.Duration, attempts int) stepResult {

	if attempts <= 0 {
		attempts = 1
	}

	var lastSendErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		headers, chunks := wire.Split(msgType, seq, step, true, payloadBytes)

		sendFailed := false
		for i, h := range headers {
			frame, buildErr := wire.Build(h, chunks[i])
			if buildErr != nil {
				return stepResult{code: CodeBadRequest, detail: buildErr.Error()}
			}
			if err := d.link.Send(ctx, peer, frame); err != nil {
				lastSendErr = err
				sendFailed = true
				break
			}
			if d.mx != nil {
				d.mx.FramesSent.WithLabelValues(msgType.String()).Inc()
			}
		}

		if sendFailed {
			if attempt < attempts {
				d.countRetry()
				continue
			}
			return stepResult{code: CodeProprietaryTxFail, detail: lastSendErr.Error()}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		body, matched, err := d.waitForMatch(attemptCtx, peer, seq, step, ackType)
		cancel()

		if err == nil {
			if matched == wire.MsgNack {
				code, msg := decodeNack(body)
				log.Infof("bridge: device %s nacked seq=%d step=%d: %s (%s)", peer, seq, step, code, msg)
				return stepResult{code: CodeNack, detail: "device rejected the request"}
			}
			return stepResult{payload: body}
		}

		if attempt < attempts {
			d.countRetry()
			continue
		}
		return stepResult{code: CodeNoAck, detail: err.Error()}
	}
	return stepResult{code: CodeNoAck}
}

func (d *Dispatcher) countRetry() {
	if d.mx != nil {
		d.mx.RetryAttempts.Inc()
	}
}

// waitForMatch reads frames off the link until one reassembles into a
// complete message from peer matching (seq, step) and carrying either
// ackType or a nack, or ctx expires.
func (d *Dispatcher) waitForMatch(ctx context.Context, peer string, seq uint16, step wire.Step, ackType wire.MsgType) ([]byte, wire.MsgType, error) {
	for {
		gotPeer, frame, err := d.link.Receive(ctx)
		if err != nil {
			return nil, 0, err
		}
		if gotPeer != peer {
			continue
		}
		h, fragment, perr := wire.Parse(frame)
		if perr != nil {
			continue
		}
		full, complete, rerr := d.reasm.Feed(peer, h, fragment, time.Now())
		if rerr != nil || !complete {
			continue
		}
		if h.Sequence != seq || h.Step() != step {
			continue
		}
		if h.MsgType == ackType || h.MsgType == wire.MsgNack {
			return full, h.MsgType, nil
		}
	}
}

func decodeNack(body []byte) (code, msg string) {
	m, err := payload.DecodeMap(body)
	if err != nil {
		return "", ""
	}
	c, _ := m["code"].(string)
	s, _ := m["msg"].(string)
	return c, s
}
