// Package domain defines the persistence models of the persona chat core:
// real users, operators, fictional personas, chats, messages, the edit audit
// trail and operator activity. These types are mapped with GORM.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Gender partitions the persona directory.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Valid reports whether g is a known gender partition.
func (g Gender) Valid() bool { return g == GenderMale || g == GenderFemale }

// Genders lists every directory partition.
var Genders = []Gender{GenderMale, GenderFemale}

// ChatState is the assignment state of a chat.
type ChatState string

const (
	ChatUnassigned  ChatState = "unassigned"
	ChatAssigned    ChatState = "assigned"
	ChatIdleFlagged ChatState = "idle_flagged"
	ChatClosed      ChatState = "closed"
)

// AuthorRole records who wrote a message.
type AuthorRole string

const (
	AuthorRealUser AuthorRole = "real_user"
	AuthorPersona  AuthorRole = "persona"
)

// OperatorStatus is the employment status of an operator.
type OperatorStatus string

const (
	OperatorActive    OperatorStatus = "active"
	OperatorSuspended OperatorStatus = "suspended"
	OperatorLeft      OperatorStatus = "left"
)

// RealUser is a paying end user. Credits never go below zero.
type RealUser struct {
	ID          string    `json:"id"           gorm:"type:varchar(64);primaryKey"`
	DisplayName string    `json:"display_name" gorm:"type:varchar(255);not null;default:''"`
	Credits     int64     `json:"credits"      gorm:"not null;default:0;check:credits >= 0"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for RealUser.
func (RealUser) TableName() string { return "real_users" }

// Operator is a human who writes as a persona. IdleIncidents and Assignments
// feed the reassignment-frequency statistic.
type Operator struct {
	ID            string         `json:"id"             gorm:"type:varchar(64);primaryKey"`
	DisplayName   string         `json:"display_name"   gorm:"type:varchar(255);not null;default:''"`
	Status        OperatorStatus `json:"status"         gorm:"type:varchar(16);not null;default:'active'"`
	IdleIncidents int64          `json:"idle_incidents" gorm:"not null;default:0"`
	Assignments   int64          `json:"assignments"    gorm:"not null;default:0"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Operator.
func (Operator) TableName() string { return "operators" }

// StringList is a JSON-encoded list column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return errors.New("domain: unsupported StringList source")
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, (*[]string)(l))
}

// Persona is a fictional profile shown in the directory and played by
// operators. MessageCost overrides the default per-message price when > 0.
//
// Fields:
//   - Gender: directory partition key.
//   - Gallery: ordered image references.
type Persona struct {
	ID          string     `json:"id"           gorm:"type:char(36);primaryKey"`
	DisplayName string     `json:"display_name" gorm:"type:varchar(255);not null"`
	Gender      Gender     `json:"gender"       gorm:"type:varchar(8);not null;index:idx_persona_gender"`
	Age         int        `json:"age"          gorm:"not null"`
	Location    string     `json:"location"     gorm:"type:varchar(255);not null;default:''"`
	Gallery     StringList `json:"gallery"      gorm:"type:text"`
	MessageCost int64      `json:"message_cost" gorm:"not null;default:0"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Persona.
func (Persona) TableName() string { return "personas" }

// Chat binds one real user to one persona and, at most, one operator.
//
// Fields:
//   - State: assignment state machine position.
//   - AssignedOperatorID: nil while unassigned; swapped atomically on reassign.
//   - IsActive: false once closed.
//   - RealProfileNotes / FictionalProfileNotes: operator annotations, editable after close.
//   - MessageCount: running number of messages; also the last issued message Seq.
//   - AssignedAt: when the current operator took the chat (idle baseline).
type Chat struct {
	ID                    string     `json:"id"                      gorm:"type:char(36);primaryKey"`
	RealUserID            string     `json:"real_user_id"            gorm:"type:varchar(64);not null;index:idx_chat_user_persona,priority:1"`
	PersonaID             string     `json:"persona_id"              gorm:"type:char(36);not null;index:idx_chat_user_persona,priority:2"`
	AssignedOperatorID    *string    `json:"assigned_operator_id"    gorm:"type:varchar(64);index"`
	State                 ChatState  `json:"state"                   gorm:"type:varchar(16);not null;default:'unassigned';index"`
	IsActive              bool       `json:"is_active"               gorm:"not null;default:true"`
	RealProfileNotes      string     `json:"real_profile_notes"      gorm:"type:text;not null;default:''"`
	FictionalProfileNotes string     `json:"fictional_profile_notes" gorm:"type:text;not null;default:''"`
	MessageCount          int64      `json:"message_count"           gorm:"not null;default:0"`
	AssignedAt            *time.Time `json:"assigned_at,omitempty"`
	IdleFlaggedAt         *time.Time `json:"idle_flagged_at,omitempty"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
	LastMessageAt         *time.Time `json:"last_message_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// HeldBy reports whether operatorID is the chat's current assignee.
func (c *Chat) HeldBy(operatorID string) bool {
	return c.AssignedOperatorID != nil && *c.AssignedOperatorID == operatorID
}

// Message is a single utterance within a chat. Order is (CreatedAt, Seq);
// edits change Content only.
type Message struct {
	ID         string     `json:"id"          gorm:"type:char(36);primaryKey"`
	ChatID     string     `json:"chat_id"     gorm:"type:char(36);not null;index:idx_chat_msgs,priority:1;uniqueIndex:ux_chat_seq,priority:1"`
	Seq        int64      `json:"seq"         gorm:"not null;uniqueIndex:ux_chat_seq,priority:2"`
	AuthorID   string     `json:"author_id"   gorm:"type:varchar(64);not null"`
	AuthorRole AuthorRole `json:"author_role" gorm:"type:varchar(16);not null;check:author_role IN ('real_user','persona')"`
	Content    string     `json:"content"     gorm:"type:text;not null"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	EditedBy   *string    `json:"edited_by,omitempty" gorm:"type:varchar(64)"`
	CreatedAt  time.Time  `json:"created_at"  gorm:"index:idx_chat_msgs,priority:2"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// MessageEdit is an append-only audit record of an admin edit.
type MessageEdit struct {
	ID              string    `json:"id"               gorm:"type:char(36);primaryKey"`
	MessageID       string    `json:"message_id"       gorm:"type:char(36);not null;index"`
	AdminID         string    `json:"admin_id"         gorm:"type:varchar(64);not null"`
	OriginalContent string    `json:"original_content" gorm:"type:text;not null"`
	NewContent      string    `json:"new_content"      gorm:"type:text;not null"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName returns the database table name for MessageEdit.
func (MessageEdit) TableName() string { return "message_edits" }

// OperatorActivity holds the latest heartbeat of an operator on a chat.
// One row per (chat, operator) pairing; later heartbeats overwrite it.
type OperatorActivity struct {
	ChatID       string    `json:"chat_id"       gorm:"type:char(36);primaryKey"`
	OperatorID   string    `json:"operator_id"   gorm:"type:varchar(64);primaryKey"`
	LastActivity time.Time `json:"last_activity" gorm:"not null;index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for OperatorActivity.
func (OperatorActivity) TableName() string { return "operator_activities" }
