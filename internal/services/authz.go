package services

import "github.com/tbourn/persona-chat-backend/internal/domain"

// Capability names an action a caller may attempt.
type Capability string

const (
	CapOpenChat          Capability = "open_chat"
	CapReadChat          Capability = "read_chat"
	CapSendMessage       Capability = "send_message"
	CapEditMessage       Capability = "edit_message"
	CapHeartbeat         Capability = "heartbeat"
	CapAssign            Capability = "assign"
	CapReassign          Capability = "reassign"
	CapCloseChat         Capability = "close_chat"
	CapEditNotes         Capability = "edit_notes"
	CapManageProfiles    Capability = "manage_profiles"
	CapGrantCredits      Capability = "grant_credits"
	CapViewOperatorStats Capability = "view_operator_stats"
)

// Resource carries the ownership fields a capability is checked against.
// OperatorID is the target operator for assign and stats checks.
type Resource struct {
	Chat       *domain.Chat
	OperatorID string
}

// Authorize decides whether id may exercise c on r. It is the only place
// that compares roles with ownership and assignment fields.
func Authorize(id domain.Identity, c Capability, r Resource) error {
	if id.Anonymous() {
		return ErrNoIdentity
	}
	admin := id.Role == domain.RoleAdmin
	owner := id.Role == domain.RoleRealUser && r.Chat != nil && r.Chat.RealUserID == id.ID
	holder := id.Role == domain.RoleOperator && r.Chat != nil && r.Chat.HeldBy(id.ID)

	switch c {
	case CapOpenChat:
		if id.Role == domain.RoleRealUser {
			return nil
		}
	case CapReadChat:
		if admin || owner || holder {
			return nil
		}
	case CapSendMessage:
		if owner || holder {
			return nil
		}
	case CapHeartbeat:
		if holder {
			return nil
		}
	case CapEditNotes:
		if admin || holder {
			return nil
		}
	case CapCloseChat:
		if admin || owner {
			return nil
		}
	case CapAssign:
		if admin || (id.Role == domain.RoleOperator && r.OperatorID == id.ID) {
			return nil
		}
	case CapViewOperatorStats:
		if admin || (id.Role == domain.RoleOperator && r.OperatorID == id.ID) {
			return nil
		}
	case CapReassign, CapEditMessage, CapManageProfiles, CapGrantCredits:
		if admin {
			return nil
		}
	}
	return deny(id, r)
}

func deny(id domain.Identity, r Resource) error {
	if r.Chat == nil {
		return ErrNotPermitted
	}
	switch id.Role {
	case domain.RoleOperator:
		return ErrNotAssignedOp
	case domain.RoleRealUser:
		return ErrNotChatOwner
	}
	return ErrNotPermitted
}
