package controllers

import (
	"time"

	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/logbuffer"
)

// counterView is one allocated counter as served by /v1/counters.
type counterView struct {
	ID             int32  `json:"id"`
	Type           string `json:"type"`
	Label          string `json:"label"`
	Value          int64  `json:"value"`
	RegistrationID int64  `json:"registrationId,omitempty"`
	SessionID      int32  `json:"sessionId,omitempty"`
	StreamID       int32  `json:"streamId,omitempty"`
}

func newCounterView(id int32, value int64, meta counters.Meta) counterView {
	return counterView{
		ID:             id,
		Type:           counters.TypeName(meta.TypeID),
		Label:          meta.Label,
		Value:          value,
		RegistrationID: meta.RegistrationID,
		SessionID:      meta.SessionID,
		StreamID:       meta.StreamID,
	}
}

// frameView is one archived frame; Payload is base64 encoded by encoding/json.
type frameView struct {
	Position  int64  `json:"position"`
	SessionID int32  `json:"sessionId"`
	StreamID  int32  `json:"streamId"`
	TermID    int32  `json:"termId"`
	Payload   []byte `json:"payload"`
}

func newFrameView(pos int64, h logbuffer.Header, payload []byte) frameView {
	return frameView{Position: pos, SessionID: h.SessionID, StreamID: h.StreamID, TermID: h.TermID, Payload: payload}
}

// pruneReq asks the archive to drop entries retired before a cutoff.
type pruneReq struct {
	// OlderThan is a Go duration such as "24h".
	OlderThan string `json:"olderThan"`
	Batch     int    `json:"batch"`
}

type pruneResp struct {
	Cutoff  time.Time `json:"cutoff"`
	Removed int       `json:"removed"`
}
