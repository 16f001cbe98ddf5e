// Package callrecord defines the shared call document exchanged between the
// two endpoints of a call, and the rules for mutating it.
package callrecord

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

func (s Status) rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusConnected:
		return 1
	case StatusEnded:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.rank() >= 0 }

var (
	ErrInvalidRecord    = errors.New("invalid call record")
	ErrCallEnded        = errors.New("call already ended")
	ErrOfferAlreadySet  = errors.New("offer already set")
	ErrAnswerAlreadySet = errors.New("answer already set")
	ErrStatusRegression = errors.New("status regression")
	ErrForbidden        = errors.New("field not writable by this participant")
)

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// Candidate is passed through verbatim between the engines.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMLineIndex:    init.SDPMLineIndex,
		SDPMid:           init.SDPMid,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMLineIndex:    c.SDPMLineIndex,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}
}

// Record is one call attempt.
//
// Version is assigned by the store and increases on every successful write.
type Record struct {
	ID               string              `json:"id"`
	CallerID         string              `json:"callerId"`
	CalleeID         string              `json:"calleeId"`
	CallerName       string              `json:"callerName"`
	CalleeName       string              `json:"calleeName"`
	Status           Status              `json:"status"`
	Offer            *SessionDescription `json:"offer"`
	Answer           *SessionDescription `json:"answer"`
	OfferCandidates  []Candidate         `json:"offerCandidates"`
	AnswerCandidates []Candidate         `json:"answerCandidates"`
	CreatedAt        time.Time           `json:"createdAt"`
	Version          int64               `json:"version"`
}

// New returns a freshly initiated record.
func New(id, callerID, calleeID, callerName, calleeName string, now time.Time) Record {
	return Record{
		ID:               id,
		CallerID:         callerID,
		CalleeID:         calleeID,
		CallerName:       callerName,
		CalleeName:       calleeName,
		Status:           StatusInitiated,
		OfferCandidates:  []Candidate{},
		AnswerCandidates: []Candidate{},
		CreatedAt:        now.UTC(),
	}
}

// Validate checks the fields a store requires before accepting a new record.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case strings.TrimSpace(r.CallerID) == "":
		return fmt.Errorf("%w: missing callerId", ErrInvalidRecord)
	case strings.TrimSpace(r.CalleeID) == "":
		return fmt.Errorf("%w: missing calleeId", ErrInvalidRecord)
	case r.CallerID == r.CalleeID:
		return fmt.Errorf("%w: caller and callee are the same identity", ErrInvalidRecord)
	case !r.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, r.Status)
	case r.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing createdAt", ErrInvalidRecord)
	}
	return nil
}

// Clone returns a deep copy so snapshots handed to subscribers never alias
// store state.
func (r Record) Clone() Record {
	out := r
	if r.Offer != nil {
		o := *r.Offer
		out.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		out.Answer = &a
	}
	out.OfferCandidates = append([]Candidate{}, r.OfferCandidates...)
	out.AnswerCandidates = append([]Candidate{}, r.AnswerCandidates...)
	return out
}

// IsParticipant reports whether identity is the caller or the callee.
func (r Record) IsParticipant(identity string) bool {
	return identity != "" && (identity == r.CallerID || identity == r.CalleeID)
}
