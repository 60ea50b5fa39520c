package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Client-sent events.
const (
	eventStartChat      = "startChat"
	eventCallUser       = "call-user"
	eventMakeAnswer     = "make-answer"
	eventICECandidate   = "ice-candidate"
	eventAskIncrement   = "ask-increment"
	eventReplyIncrement = "reply-increment"
	eventHangup         = "hangup"
)

// Server-sent events.
const (
	eventCreate         = "create"
	eventChatMatched    = "chatMatched"
	eventChatError      = "chatError"
	eventCallMade       = "call-made"
	eventAnswerMade     = "answer-made"
	eventDeliveryFailed = "delivery-failed"
)

type clientEnvelope struct {
	Event          string          `json:"event"`
	TargetSocketID string          `json:"targetSocketID,omitempty"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func parseClientEnvelope(data []byte) (clientEnvelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env clientEnvelope
	if err := dec.Decode(&env); err != nil {
		return clientEnvelope{}, err
	}
	if err := env.validate(); err != nil {
		return clientEnvelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientEnvelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e clientEnvelope) validate() error {
	switch e.Event {
	case eventStartChat, eventHangup:
		if e.TargetSocketID != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Payload != nil {
			return fmt.Errorf("%s message has unexpected fields", e.Event)
		}
	case eventCallUser:
		if e.TargetSocketID == "" {
			return fmt.Errorf("call-user message missing targetSocketID")
		}
		if emptyRaw(e.Offer) {
			return fmt.Errorf("call-user message missing offer")
		}
		if e.Answer != nil || e.Candidate != nil || e.Payload != nil {
			return fmt.Errorf("call-user message has unexpected fields")
		}
	case eventMakeAnswer:
		if e.TargetSocketID == "" {
			return fmt.Errorf("make-answer message missing targetSocketID")
		}
		if emptyRaw(e.Answer) {
			return fmt.Errorf("make-answer message missing answer")
		}
		if e.Offer != nil || e.Candidate != nil || e.Payload != nil {
			return fmt.Errorf("make-answer message has unexpected fields")
		}
	case eventICECandidate:
		if emptyRaw(e.Candidate) {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if e.Offer != nil || e.Answer != nil || e.Payload != nil {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case eventAskIncrement, eventReplyIncrement:
		if e.TargetSocketID != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", e.Event)
		}
	default:
		return fmt.Errorf("unsupported event %q", e.Event)
	}
	return nil
}

func emptyRaw(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

type serverEnvelope struct {
	Event          string          `json:"event"`
	UserID         string          `json:"userId,omitempty"`
	RoomID         string          `json:"roomId,omitempty"`
	To             string          `json:"to,omitempty"`
	SourceSocketID string          `json:"sourceSocketID,omitempty"`
	Message        string          `json:"message,omitempty"`
	FailedEvent    string          `json:"failedEvent,omitempty"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// encodeServerEnvelope marshals an outbound frame. All envelope fields are
// strings or already-validated raw JSON, so marshalling cannot fail.
func encodeServerEnvelope(env serverEnvelope) []byte {
	frame, _ := json.Marshal(env)
	return frame
}

// relayedEnvelope rewrites an inbound signal into its outbound counterpart,
// stamping the sender's connection id. Payloads are copied verbatim.
func relayedEnvelope(sourceID string, env clientEnvelope) serverEnvelope {
	out := serverEnvelope{SourceSocketID: sourceID}
	switch env.Event {
	case eventCallUser:
		out.Event = eventCallMade
		out.Offer = env.Offer
	case eventMakeAnswer:
		out.Event = eventAnswerMade
		out.Answer = env.Answer
	case eventICECandidate:
		out.Event = eventICECandidate
		out.Candidate = env.Candidate
	case eventAskIncrement, eventReplyIncrement:
		out.Event = env.Event
		out.Payload = env.Payload
	}
	return out
}
