// Package models defines GORM models and SQLite database setup for crewnet.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DefaultChannels is the channel list a team gets when none is configured.
var DefaultChannels = []string{"#main", "#tasks", "#code", "#testing", "#merges"}

// scanJSON decodes a JSON text column into v. NULL leaves v untouched.
func scanJSON(value interface{}, v interface{}) error {
	switch raw := value.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(raw), v)
	case []byte:
		return json.Unmarshal(raw, v)
	default:
		return fmt.Errorf("unsupported type for JSON column: %T", value)
	}
}

// ChannelList is an ordered list of channel names stored as a JSON array.
type ChannelList []string

func (c ChannelList) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *ChannelList) Scan(value interface{}) error {
	var list []string
	if err := scanJSON(value, &list); err != nil {
		return err
	}
	*c = list
	return nil
}

// AutoNudge is a team's idle-nudge policy. Nil pointers mean "use the
// default".
type AutoNudge struct {
	Enabled              *bool   `json:"enabled,omitempty"`
	IdleThresholdSeconds *int    `json:"idleThresholdSeconds,omitempty"`
	NudgeMessage         *string `json:"nudgeMessage,omitempty"`
	IncludeChuck         bool    `json:"includeChuck"`
}

func (a AutoNudge) Value() (driver.Value, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (a *AutoNudge) Scan(value interface{}) error {
	var policy AutoNudge
	if err := scanJSON(value, &policy); err != nil {
		return err
	}
	*a = policy
	return nil
}

// Team is a group of agents sharing one IRC broker and channel set.
type Team struct {
	ID         string      `gorm:"primaryKey;size:36" json:"id"`
	Name       string      `gorm:"uniqueIndex;not null;size:255" json:"name"`
	TenantID   *string     `gorm:"size:64;index" json:"tenant_id"`
	Status     string      `gorm:"not null;size:50;default:creating" json:"status"`
	Channels   ChannelList `gorm:"type:text" json:"channels"`
	AutoNudge  AutoNudge   `gorm:"type:text" json:"auto_nudge"`
	BrokerHost string      `gorm:"size:255" json:"broker_host,omitempty"`
	BrokerPort int         `json:"broker_port,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Agents     []Agent     `gorm:"foreignKey:TeamID;constraint:OnDelete:CASCADE" json:"agents,omitempty"`
}

// BeforeCreate fills in the default channel list.
func (t *Team) BeforeCreate(tx *gorm.DB) error {
	if len(t.Channels) == 0 {
		t.Channels = append(ChannelList(nil), DefaultChannels...)
	}
	return nil
}

// Agent is a single containerised agent. IDs are unique within a team.
type Agent struct {
	TeamID        string     `gorm:"primaryKey;size:36" json:"team_id"`
	ID            string     `gorm:"primaryKey;size:64" json:"id"`
	Role          string     `gorm:"not null;size:50;default:dev" json:"role"`
	Runtime       string     `gorm:"size:50" json:"runtime"`
	Model         string     `gorm:"size:100" json:"model"`
	Position      int        `gorm:"not null;default:0" json:"position"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Tenant owns teams. Its ID is derived from the API key; the key itself is
// never stored.
type Tenant struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid team statuses.
const (
	TeamStatusCreating = "creating"
	TeamStatusRunning  = "running"
	TeamStatusStopped  = "stopped"
	TeamStatusError    = "error"
)

// Common agent roles. Roles are free-form; only chuck has special handling.
const (
	AgentRoleDev    = "dev"
	AgentRoleLead   = "lead"
	AgentRoleArch   = "arch"
	AgentRoleQA     = "qa"
	AgentRoleCritic = "critic"
	AgentRoleChuck  = "chuck"
)

// Agent returns the agent with the given id, or nil.
func (t *Team) Agent(id string) *Agent {
	for i := range t.Agents {
		if t.Agents[i].ID == id {
			return &t.Agents[i]
		}
	}
	return nil
}

// OwnedBy reports whether the team is claimed by tenantID. Unclaimed teams
// are owned by nobody.
func (t *Team) OwnedBy(tenantID string) bool {
	return t.TenantID != nil && tenantID != "" && *t.TenantID == tenantID
}
