package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/identity-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventAccountRegistered EventType = "account_registered"
	EventLoginSucceeded    EventType = "login_succeeded"
	EventLoginFailed       EventType = "login_failed"
	EventPasswordChanged   EventType = "password_changed"
	EventRoleChanged       EventType = "role_changed"
	EventStateChanged      EventType = "state_changed"
	EventAttributesUpdated EventType = "attributes_updated"
	EventAccountRemoved    EventType = "account_removed"
)

// Event represents a domain event emitted by services after commit.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	AccountID string      `json:"account_id"`
	ActorID   string      `json:"actor_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// New builds an event stamped with a fresh id.
func New(eventType EventType, accountID, actorID string, at time.Time, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		AccountID: accountID,
		ActorID:   actorID,
		Timestamp: at,
		Payload:   payload,
	}
}

// AccountRegisteredPayload payload.
type AccountRegisteredPayload struct {
	Email string      `json:"email"`
	Role  domain.Role `json:"role"`
}

// LoginPayload payload for login_succeeded and login_failed.
type LoginPayload struct {
	IP           string `json:"ip,omitempty"`
	FailedLogins int64  `json:"failed_logins,omitempty"`
}

// RoleChangedPayload payload.
type RoleChangedPayload struct {
	OldRole domain.Role `json:"old_role"`
	NewRole domain.Role `json:"new_role"`
}

// StateChangedPayload payload.
type StateChangedPayload struct {
	OldState domain.AccountState `json:"old_state"`
	NewState domain.AccountState `json:"new_state"`
}

// AttributesUpdatedPayload lists the fields that changed.
type AttributesUpdatedPayload struct {
	Fields []string `json:"fields"`
}
