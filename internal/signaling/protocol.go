package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
)

const (
	OpAuth          = "auth"
	OpCreate        = "create"
	OpGet           = "get"
	OpUpdate        = "update"
	OpWatchCall     = "watchCall"
	OpWatchIncoming = "watchIncoming"
	OpUnwatch       = "unwatch"
	OpPresence      = "presence"
)

const (
	FrameReady    = "ready"
	FrameResult   = "result"
	FrameError    = "error"
	FrameCall     = "call"
	FrameIncoming = "incoming"
)

const (
	maxIDLen  = 128
	maxSubLen = 64
)

var (
	ErrBadRequest  = errors.New("bad request")
	ErrUnsupported = errors.New("unsupported operation")
	ErrInternal    = errors.New("internal error")
)

// Request is a client to server frame. Which fields are set depends on Op.
type Request struct {
	ID       int64              `json:"id"`
	Op       string             `json:"op"`
	Token    string             `json:"token,omitempty"`
	Identity string             `json:"identity,omitempty"`
	Call     *callrecord.Record `json:"call,omitempty"`
	CallID   string             `json:"callId,omitempty"`
	Patch    *callrecord.Patch  `json:"patch,omitempty"`
	Sub      string             `json:"sub,omitempty"`
	CalleeID string             `json:"calleeId,omitempty"`
	UserID   string             `json:"userId,omitempty"`
	Status   string             `json:"status,omitempty"`
}

// Frame is a server to client frame. Decoders accept every frame type into it.
type Frame struct {
	Type     string              `json:"type"`
	ID       int64               `json:"id,omitempty"`
	Sub      string              `json:"sub,omitempty"`
	Identity string              `json:"identity,omitempty"`
	Call     *callrecord.Record  `json:"call,omitempty"`
	Calls    []callrecord.Record `json:"calls,omitempty"`
	Code     string              `json:"code,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// callEvent keeps "call": null on the wire for a missing record.
type callEvent struct {
	Type string             `json:"type"`
	Sub  string             `json:"sub"`
	Call *callrecord.Record `json:"call"`
}

type incomingEvent struct {
	Type  string              `json:"type"`
	Sub   string              `json:"sub"`
	Calls []callrecord.Record `json:"calls"`
}

// ParseRequest decodes exactly one JSON object, rejecting unknown fields, and
// validates it for its op.
func ParseRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Request{}, fmt.Errorf("%w: unexpected trailing data", ErrBadRequest)
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
	}
	if r.ID < 0 {
		return bad("negative id")
	}
	switch r.Op {
	case OpAuth:
		if r.Token == "" && r.Identity == "" {
			return bad("auth needs token or identity")
		}
	case OpCreate:
		if r.Call == nil {
			return bad("create needs call")
		}
		if err := checkID("call.id", r.Call.ID); err != nil {
			return err
		}
		if r.Call.Status != callrecord.StatusInitiated || r.Call.Offer != nil || r.Call.Answer != nil ||
			len(r.Call.OfferCandidates) > 0 || len(r.Call.AnswerCandidates) > 0 {
			return fmt.Errorf("%w: a new call must be initiated with no negotiation state", callrecord.ErrInvalidRecord)
		}
	case OpGet:
		return checkID("callId", r.CallID)
	case OpUpdate:
		if err := checkID("callId", r.CallID); err != nil {
			return err
		}
		if r.Patch == nil {
			return bad("update needs patch")
		}
		// Patch contents are checked by the store so errors keep their codes.
	case OpWatchCall:
		if err := checkSub(r.Sub); err != nil {
			return err
		}
		return checkID("callId", r.CallID)
	case OpWatchIncoming:
		if err := checkSub(r.Sub); err != nil {
			return err
		}
		return checkID("calleeId", r.CalleeID)
	case OpUnwatch:
		return checkSub(r.Sub)
	case OpPresence:
		if err := checkID("userId", r.UserID); err != nil {
			return err
		}
		if _, err := mailbox.ParsePresenceStatus(r.Status); err != nil {
			return bad("%v", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupported, r.Op)
	}
	return nil
}

func checkID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: missing %s", ErrBadRequest, field)
	}
	if len(v) > maxIDLen {
		return fmt.Errorf("%w: %s too long", ErrBadRequest, field)
	}
	return nil
}

func checkSub(sub string) error {
	if sub == "" || len(sub) > maxSubLen {
		return fmt.Errorf("%w: sub must be 1-%d bytes", ErrBadRequest, maxSubLen)
	}
	return nil
}

var codes = []struct {
	code string
	err  error
}{
	{"not_found", mailbox.ErrNotFound},
	{"call_exists", mailbox.ErrCallExists},
	{"closed", mailbox.ErrClosed},
	{"call_ended", callrecord.ErrCallEnded},
	{"offer_already_set", callrecord.ErrOfferAlreadySet},
	{"answer_already_set", callrecord.ErrAnswerAlreadySet},
	{"status_regression", callrecord.ErrStatusRegression},
	{"invalid_record", callrecord.ErrInvalidRecord},
	{"forbidden", callrecord.ErrForbidden},
	{"bad_request", ErrBadRequest},
	{"unsupported", ErrUnsupported},
}

// ErrorCode maps err to its stable wire code.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorFromCode rebuilds an error that matches the sentinel behind code.
func ErrorFromCode(code, message string) error {
	sentinel := ErrInternal
	for _, c := range codes {
		if c.code == code {
			sentinel = c.err
			break
		}
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
