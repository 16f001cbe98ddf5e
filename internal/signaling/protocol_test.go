package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
)

func TestParseRequest_Valid(t *testing.T) {
	req, err := ParseRequest([]byte(`{"id":7,"op":"update","callId":"c1","patch":{"status":"ended"}}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.ID != 7 || req.Op != OpUpdate || req.CallID != "c1" {
		t.Fatalf("req=%+v", req)
	}
	if req.Patch == nil || req.Patch.Status == nil || *req.Patch.Status != callrecord.StatusEnded {
		t.Fatalf("patch=%+v", req.Patch)
	}
}

func TestParseRequest_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `nope`, ErrBadRequest},
		{"unknown field", `{"id":1,"op":"get","callId":"c1","extra":true}`, ErrBadRequest},
		{"trailing data", `{"id":1,"op":"get","callId":"c1"} {}`, ErrBadRequest},
		{"negative id", `{"id":-1,"op":"get","callId":"c1"}`, ErrBadRequest},
		{"unknown op", `{"id":1,"op":"delete","callId":"c1"}`, ErrUnsupported},
		{"get without id", `{"id":1,"op":"get"}`, ErrBadRequest},
		{"update without patch", `{"id":1,"op":"update","callId":"c1"}`, ErrBadRequest},
		{"watch without sub", `{"id":1,"op":"watchCall","callId":"c1"}`, ErrBadRequest},
		{"watch incoming without callee", `{"id":1,"op":"watchIncoming","sub":"s"}`, ErrBadRequest},
		{"unwatch without sub", `{"id":1,"op":"unwatch"}`, ErrBadRequest},
		{"bad presence", `{"id":1,"op":"presence","userId":"a","status":"away"}`, ErrBadRequest},
		{"auth without credential", `{"id":1,"op":"auth"}`, ErrBadRequest},
		{"create without call", `{"id":1,"op":"create"}`, ErrBadRequest},
		{"create with offer", `{"id":1,"op":"create","call":{"id":"c1","callerId":"a","calleeId":"b","status":"initiated","offer":{"type":"offer","sdp":"x"}}}`, callrecord.ErrInvalidRecord},
		{"create ended", `{"id":1,"op":"create","call":{"id":"c1","callerId":"a","calleeId":"b","status":"ended"}}`, callrecord.ErrInvalidRecord},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseRequest([]byte(tc.raw)); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestErrorCodes_RoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		mailbox.ErrNotFound,
		mailbox.ErrCallExists,
		mailbox.ErrClosed,
		callrecord.ErrCallEnded,
		callrecord.ErrOfferAlreadySet,
		callrecord.ErrAnswerAlreadySet,
		callrecord.ErrStatusRegression,
		callrecord.ErrInvalidRecord,
		callrecord.ErrForbidden,
		ErrBadRequest,
		ErrUnsupported,
	} {
		code := ErrorCode(errors.Join(errors.New("context"), sentinel))
		if code == "internal" {
			t.Fatalf("%v mapped to internal", sentinel)
		}
		if err := ErrorFromCode(code, "detail"); !errors.Is(err, sentinel) {
			t.Fatalf("ErrorFromCode(%q)=%v, want %v", code, err, sentinel)
		}
	}
	if code := ErrorCode(errors.New("boom")); code != "internal" {
		t.Fatalf("code=%q, want internal", code)
	}
	if err := ErrorFromCode("mystery", ""); !errors.Is(err, ErrInternal) {
		t.Fatalf("unknown code err=%v, want ErrInternal", err)
	}
}

func TestCallEvent_KeepsNullCall(t *testing.T) {
	b, err := json.Marshal(callEvent{Type: FrameCall, Sub: "s1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(b), `{"type":"call","sub":"s1","call":null}`; got != want {
		t.Fatalf("event=%s, want %s", got, want)
	}
}
