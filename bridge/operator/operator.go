// Package operator implements the bridge's line-delimited JSON control
// channel of spec §4.7: read one structured request per line, validate
// its envelope, hand auth/device ops to bridge/dispatch, and serialize
// exactly one response line per request. The "hello" liveness op never
// touches the wire and is answered entirely within this package.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/carlmjohnson/versioninfo"

	"github.com/dvo001/provlink/bridge/dispatch"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("bridge/operator")

// MaxLineBytes is the line-cap of spec §4.7; a longer line is rejected
// with SERIAL_OVERFLOW rather than read past.
const MaxLineBytes = 4096

// line is the wire shape of one operator request/response, matching
// spec §6's v/id/op/device_id/status/result-or-err envelope.
type line struct {
	V        int                    `json:"v"`
	ID       string                 `json:"id"`
	Op       string                 `json:"op"`
	DeviceID string                 `json:"device_id,omitempty"`
	Auth     *authBlock             `json:"auth,omitempty"`
	Cfg      map[string]interface{} `json:"cfg,omitempty"`
	Fields   []string               `json:"fields,omitempty"`
	Apply    bool                   `json:"apply,omitempty"`
	Reboot   bool                   `json:"reboot,omitempty"`
	TimeoutMS int                   `json:"timeout_ms,omitempty"`

	Status string                 `json:"status,omitempty"`
	Result map[string]interface{} `json:"result,omitempty"`
	Err    *errBlock              `json:"err,omitempty"`
}

type authBlock struct {
	Token string `json:"token"`
}

type errBlock struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Identity is the bridge's self-reported identity for the hello op.
type Identity struct {
	BridgeID     string
	Capabilities []string
	Channel      int
}

// Channel reads NDJSON operator requests from r and writes response
// lines to w, dispatching wire-touching ops through d.
type Channel struct {
	r        *bufio.Reader
	w        io.Writer
	d        *dispatch.Dispatcher
	identity Identity
}

// New wraps r/w as an operator Channel. identity is returned verbatim
// by the hello op.
func New(r io.Reader, w io.Writer, d *dispatch.Dispatcher, identity Identity) *Channel {
	return &Channel{r: bufio.NewReaderSize(r, MaxLineBytes*2), w: w, d: d, identity: identity}
}

// Run reads and answers operator lines until r is exhausted, ctx is
// canceled, or a write failure occurs. Each successful parse is
// dispatched synchronously, per spec §4.7 ("handed to the bridge
// dispatcher synchronously").
func (c *Channel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := c.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if raw == "" {
			continue
		}

		if len(raw) > MaxLineBytes {
			c.writeError("", "", "SERIAL_OVERFLOW", "line exceeds 4096 bytes")
			continue
		}

		req, perr := parseLine(raw)
		if perr != nil {
			log.Warningf("bridge/operator: unparseable line dropped: %v", perr)
			continue
		}

		resp := c.handle(ctx, req)
		if werr := c.writeLine(resp); werr != nil {
			return werr
		}
	}
}

// readLine reads one line, trimming CR and skipping embedded NUL bytes
// per spec §4.7's serial-coupling tolerance.
func (c *Channel) readLine() (string, error) {
	raw, err := c.r.ReadString('\n')
	if err != nil && raw == "" {
		return "", err
	}
	raw = strings.TrimRight(raw, "\r\n")
	raw = strings.ReplaceAll(raw, "\x00", "")
	return strings.TrimSpace(raw), nilIfEOFWithData(err)
}

func nilIfEOFWithData(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseLine decodes raw as a line object, retrying from the first '{'
// if the whole-line parse fails, per spec §4.7's noise-tolerance rule.
func parseLine(raw string) (line, error) {
	var l line
	if err := json.Unmarshal([]byte(raw), &l); err == nil {
		return l, nil
	}
	idx := strings.IndexByte(raw, '{')
	if idx < 0 {
		return line{}, errors.New("no JSON object found in line")
	}
	if err := json.Unmarshal([]byte(raw[idx:]), &l); err != nil {
		return line{}, err
	}
	return l, nil
}

func (c *Channel) handle(ctx context.Context, req line) line {
	if req.V != 1 {
		return errLine(req, "BAD_REQUEST", "unsupported schema version")
	}
	if req.ID == "" || req.Op == "" {
		return errLine(req, "BAD_REQUEST", "missing id or op")
	}

	if req.Op == "hello" {
		return c.handleHello(req)
	}

	token := ""
	if req.Auth != nil {
		token = req.Auth.Token
	}

	dreq := dispatch.Request{
		ID:          req.ID,
		Op:          req.Op,
		DeviceID:    req.DeviceID,
		Token:       token,
		Cfg:         req.Cfg,
		Fields:      req.Fields,
		ApplyAfter:  req.Apply,
		RebootAfter: req.Reboot,
		TimeoutMS:   req.TimeoutMS,
	}
	resp := c.d.Execute(ctx, dreq)
	return fromDispatchResponse(req.Op, resp)
}

func (c *Channel) handleHello(req line) line {
	return line{
		V:      1,
		ID:     req.ID,
		Op:     "hello_ack",
		Status: "ok",
		Result: map[string]interface{}{
			"bridge_id":    c.identity.BridgeID,
			"fw":           versioninfo.Short(),
			"capabilities": c.identity.Capabilities,
			"chan":         c.identity.Channel,
		},
	}
}

func fromDispatchResponse(op string, resp dispatch.Response) line {
	l := line{
		V:        1,
		ID:       resp.ID,
		Op:       op + "_ack",
		DeviceID: resp.DeviceID,
		Status:   resp.Status,
	}
	if resp.Status == "ok" {
		l.Result = resp.Result
	} else {
		l.Err = &errBlock{Code: resp.ErrCode, Msg: resp.ErrMsg}
	}
	return l
}

func errLine(req line, code, msg string) line {
	return line{
		V:        1,
		ID:       req.ID,
		Op:       req.Op + "_ack",
		DeviceID: req.DeviceID,
		Status:   "error",
		Err:      &errBlock{Code: code, Msg: msg},
	}
}

func (c *Channel) writeError(id, op, code, msg string) {
	c.writeLine(line{V: 1, ID: id, Op: op, Status: "error", Err: &errBlock{Code: code, Msg: msg}})
}

func (c *Channel) writeLine(l line) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = c.w.Write(b)
	return err
}
