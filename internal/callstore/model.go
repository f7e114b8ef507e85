package callstore

import (
	"time"

	"gorm.io/datatypes"
)

// CallRecord is one row per call attempt. The offer, answer and ICE candidate
// payloads are stored as JSONB so both peers can signal through the same row.
type CallRecord struct {
	ID         string `gorm:"column:id;primaryKey" json:"id"`
	CallerID   string `gorm:"column:caller_id"     json:"caller_id"`
	ReceiverID string `gorm:"column:receiver_id"   json:"receiver_id"`
	CallType   string `gorm:"column:call_type"     json:"call_type"`
	Status     string `gorm:"column:status"        json:"status"`

	StartedAt  *time.Time `gorm:"column:started_at"  json:"started_at"`
	AnsweredAt *time.Time `gorm:"column:answered_at" json:"answered_at"`
	EndedAt    *time.Time `gorm:"column:ended_at"    json:"ended_at"`

	DurationSeconds int `gorm:"column:duration_seconds" json:"duration_seconds"`

	Offer         datatypes.JSON `gorm:"column:offer"          json:"offer"`
	Answer        datatypes.JSON `gorm:"column:answer"         json:"answer"`
	IceCandidates datatypes.JSON `gorm:"column:ice_candidates" json:"ice_candidates"`

	// Visibility only, never consulted by the state machine.
	IsDeletedByCaller   bool `gorm:"column:is_deleted_by_caller"   json:"is_deleted_by_caller"`
	IsDeletedByReceiver bool `gorm:"column:is_deleted_by_receiver" json:"is_deleted_by_receiver"`

	CreatedAt *time.Time `gorm:"column:created_at" json:"created_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

const (
	StatusCalling   = "calling"
	StatusRinging   = "ringing"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusMissed    = "missed"
	StatusEnded     = "ended"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusBusy      = "busy"
)

// NonTerminalStatuses are the statuses a call can still transition out of.
func NonTerminalStatuses() []string {
	return []string{StatusCalling, StatusRinging, StatusAccepted}
}

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusRejected, StatusMissed, StatusEnded, StatusFailed, StatusCancelled, StatusBusy:
		return true
	default:
		return false
	}
}

// SessionDescription is one half of the offer/answer exchange. Required fields
// are validated at the signaling transport boundary before they reach the
// peer connection engine.
type SessionDescription struct {
	Type string `json:"type" validate:"required,oneof=offer answer"`
	SDP  string `json:"sdp"  validate:"required"`
}

const (
	OriginCaller   = "caller"
	OriginAnswerer = "answerer"
)

// IceCandidateEntry is one element of the append-only candidate list. From
// disambiguates origin since both sides write to the same list.
type IceCandidateEntry struct {
	Candidate  string `json:"candidate"    validate:"required"`
	Mid        string `json:"mid"`
	MLineIndex uint16 `json:"m_line_index"`
	From       string `json:"from"         validate:"required,oneof=caller answerer"`
}

// CallParticipant is the multi-party extension: one row per invited user
// beyond the primary caller/receiver pair. Each participant is effectively a
// separate 1:1 signaling pair layered on the parent call; this does not
// generalize to a true mesh.
type CallParticipant struct {
	ID       uint   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CallID   string `gorm:"column:call_id"                     json:"call_id"`
	UserID   string `gorm:"column:user_id"                     json:"user_id"`
	Status   string `gorm:"column:status"                      json:"status"`

	JoinedAt *time.Time `gorm:"column:joined_at" json:"joined_at"`
	LeftAt   *time.Time `gorm:"column:left_at"   json:"left_at"`

	CreatedAt *time.Time `gorm:"column:created_at" json:"created_at"`
}

func (CallParticipant) TableName() string {
	return "call_participants"
}

const (
	ParticipantRinging  = "ringing"
	ParticipantJoined   = "joined"
	ParticipantDeclined = "declined"
	ParticipantLeft     = "left"
)
