package domain

import "time"

// Session is the scheduling session a message may be bound to. Sessions are
// owned by the booking subsystem and only read here.
type Session struct {
	ID      string `json:"id" gorm:"primaryKey"`
	UserID  string `json:"userId"`
	CoachID string `json:"coachId"`
}

func (s *Session) Involves(userID string) bool {
	return s.UserID == userID || s.CoachID == userID
}

const (
	SessionActionJoin  = "join"
	SessionActionLeave = "leave"
)

// SessionConnectionEvent is published when a connection enters or leaves a
// session room.
type SessionConnectionEvent struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	UserType  Role      `json:"userType"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
