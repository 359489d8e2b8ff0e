package database

import "time"

// SessionRecord is the persisted view of a sandbox session. Runtime truth
// lives in the session manager; records survive restarts so clients can
// observe terminal states and the manager can reconcile leftover containers.
type SessionRecord struct {
	SessionID     string    `gorm:"primaryKey" json:"session_id"`
	ContainerID   string    `gorm:"index" json:"container_id"`
	ProjectName   string    `json:"project_name"`
	ClientID      string    `gorm:"index" json:"-"`
	Status        string    `gorm:"not null;default:creating" json:"status"`
	WorkspacePath string    `json:"workspace_path"`
	Error         string    `json:"error,omitempty"`
	PreviewPort   int       `gorm:"default:0" json:"preview_port,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}
