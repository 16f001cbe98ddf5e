package callrecord

import "fmt"

// Patch is a partial update. Candidate slices are appended, never replaced.
type Patch struct {
	Status           *Status             `json:"status,omitempty"`
	Offer            *SessionDescription `json:"offer,omitempty"`
	Answer           *SessionDescription `json:"answer,omitempty"`
	OfferCandidates  []Candidate         `json:"offerCandidates,omitempty"`
	AnswerCandidates []Candidate         `json:"answerCandidates,omitempty"`
}

func StatusPatch(s Status) Patch { return Patch{Status: &s} }

func (p Patch) IsEmpty() bool {
	return p.Status == nil && p.Offer == nil && p.Answer == nil &&
		len(p.OfferCandidates) == 0 && len(p.AnswerCandidates) == 0
}

// OnlyEnds reports whether the patch does nothing but set status=ended.
func (p Patch) OnlyEnds() bool {
	return p.Status != nil && *p.Status == StatusEnded &&
		p.Offer == nil && p.Answer == nil &&
		len(p.OfferCandidates) == 0 && len(p.AnswerCandidates) == 0
}

func (p Patch) Validate() error {
	if p.IsEmpty() {
		return fmt.Errorf("%w: empty patch", ErrInvalidRecord)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, *p.Status)
	}
	if p.Offer != nil && (p.Offer.Type != "offer" || p.Offer.SDP == "") {
		return fmt.Errorf("%w: offer must have type=offer and non-empty sdp", ErrInvalidRecord)
	}
	if p.Answer != nil && (p.Answer.Type != "answer" || p.Answer.SDP == "") {
		return fmt.Errorf("%w: answer must have type=answer and non-empty sdp", ErrInvalidRecord)
	}
	for _, c := range p.OfferCandidates {
		if c.Candidate == "" {
			return fmt.Errorf("%w: empty offer candidate", ErrInvalidRecord)
		}
	}
	for _, c := range p.AnswerCandidates {
		if c.Candidate == "" {
			return fmt.Errorf("%w: empty answer candidate", ErrInvalidRecord)
		}
	}
	return nil
}

// Apply merges p into rec and returns the result. rec is not modified.
//
// An ended record rejects every write with ErrCallEnded. Rewriting an
// identical offer or answer is a no-op; a different one is rejected.
func Apply(rec Record, p Patch) (Record, error) {
	if err := p.Validate(); err != nil {
		return rec, err
	}
	if rec.Status == StatusEnded {
		return rec, ErrCallEnded
	}

	out := rec.Clone()
	if p.Offer != nil {
		if out.Offer != nil && *out.Offer != *p.Offer {
			return rec, ErrOfferAlreadySet
		}
		o := *p.Offer
		out.Offer = &o
	}
	if p.Answer != nil {
		if out.Answer != nil && *out.Answer != *p.Answer {
			return rec, ErrAnswerAlreadySet
		}
		a := *p.Answer
		out.Answer = &a
	}
	out.OfferCandidates = append(out.OfferCandidates, p.OfferCandidates...)
	out.AnswerCandidates = append(out.AnswerCandidates, p.AnswerCandidates...)
	if p.Status != nil {
		if p.Status.rank() < out.Status.rank() {
			return rec, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, out.Status, *p.Status)
		}
		out.Status = *p.Status
	}
	return out, nil
}

// Authorize checks that identity may write every field present in p.
func Authorize(rec Record, identity string, p Patch) error {
	if !rec.IsParticipant(identity) {
		return fmt.Errorf("%w: %q is not a participant", ErrForbidden, identity)
	}
	isCaller := identity == rec.CallerID
	if (p.Offer != nil || len(p.OfferCandidates) > 0) && !isCaller {
		return fmt.Errorf("%w: only the caller writes the offer", ErrForbidden)
	}
	if (p.Answer != nil || len(p.AnswerCandidates) > 0) && isCaller {
		return fmt.Errorf("%w: only the callee writes the answer", ErrForbidden)
	}
	if p.Status != nil && *p.Status == StatusConnected && isCaller {
		return fmt.Errorf("%w: only the callee marks the call connected", ErrForbidden)
	}
	return nil
}
