package store

import (
	"context"
	"errors"
	"time"
)

// BytesPerGB converts a quota stored in GB into the byte count it is
// compared against.
const BytesPerGB int64 = 1024 * 1024 * 1024

// Role identifies a user's privilege level.
type Role string

const (
	// RoleAdmin users are exempt from quota, expiry and port-range checks.
	RoleAdmin Role = "admin"

	// RoleUser is a regular tenant.
	RoleUser Role = "user"
)

// UserStatus is the lifecycle status of a user.
type UserStatus string

const (
	StatusActive    UserStatus = "active"
	StatusSuspended UserStatus = "suspended"
	StatusExpired   UserStatus = "expired"
)

// Provenance records why a forwarding rule is currently disabled.
type Provenance string

const (
	// ProvenanceNone means the rule is not disabled by anyone.
	ProvenanceNone Provenance = "none"

	// ProvenanceOperator means an operator switched the rule off.
	ProvenanceOperator Provenance = "operator"

	// ProvenanceQuotaExceeded is set by quota enforcement.
	ProvenanceQuotaExceeded Provenance = "quota_exceeded"

	// ProvenanceExpired is set when the owning account has expired.
	ProvenanceExpired Provenance = "expired"

	// ProvenanceOutOfRange is set when the source port left the owner's range.
	ProvenanceOutOfRange Provenance = "out_of_range"
)

// User maps to the "users" table.
type User struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username         string     `gorm:"type:varchar(100);not null;uniqueIndex:idx_users_username" json:"username"`
	Role             Role       `gorm:"type:varchar(16);not null;default:'user'" json:"role"`
	Status           UserStatus `gorm:"type:varchar(16);not null;default:'active';index:idx_users_status" json:"status"`
	TrafficQuotaGB   *float64   `gorm:"column:traffic_quota_gb" json:"trafficQuotaGB,omitempty"`
	UsedTrafficBytes int64      `gorm:"column:used_traffic_bytes;not null;default:0" json:"usedTrafficBytes"`
	PortRangeStart   *int       `gorm:"column:port_range_start" json:"portRangeStart,omitempty"`
	PortRangeEnd     *int       `gorm:"column:port_range_end" json:"portRangeEnd,omitempty"`
	ExpiresAt        *time.Time `gorm:"column:expires_at" json:"expiresAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// TableName pins the table name regardless of naming strategy.
func (User) TableName() string { return "users" }

// IsAdmin reports whether the user is exempt from quota enforcement.
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }

// QuotaBytes returns the quota in bytes, or 0 when the user is unlimited.
func (u *User) QuotaBytes() int64 {
	if u == nil || u.TrafficQuotaGB == nil || *u.TrafficQuotaGB <= 0 {
		return 0
	}
	return int64(*u.TrafficQuotaGB * float64(BytesPerGB))
}

// ForwardRule maps to the "forward_rules" table.
type ForwardRule struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string     `gorm:"type:varchar(100);not null" json:"name"`
	SourcePort        int        `gorm:"column:source_port;not null;uniqueIndex:idx_forward_rules_source_port" json:"sourcePort"`
	TargetAddress     string     `gorm:"column:target_address;type:varchar(255);not null" json:"targetAddress"`
	Protocol          string     `gorm:"type:varchar(10);not null;default:'tcp'" json:"protocol"`
	OwnerUserID       int64      `gorm:"column:owner_user_id;not null;index:idx_forward_rules_owner" json:"ownerUserId"`
	OperatorEnabled   bool       `gorm:"column:operator_enabled;not null" json:"operatorEnabled"`
	DisableProvenance Provenance `gorm:"column:disable_provenance;type:varchar(20);not null;default:'none'" json:"disableProvenance"`
	UsedTrafficBytes  int64      `gorm:"column:used_traffic_bytes;not null;default:0" json:"usedTrafficBytes"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	Owner *User `gorm:"foreignKey:OwnerUserID" json:"owner,omitempty"`
}

// TableName pins the table name regardless of naming strategy.
func (ForwardRule) TableName() string { return "forward_rules" }

// UserFilter narrows FindAllUsers. Zero value matches every user.
type UserFilter struct {
	Status UserStatus
	Role   Role
}

// UserUpdate is a partial update; nil fields are left untouched.
type UserUpdate struct {
	Status           *UserStatus
	TrafficQuotaGB   *float64
	ClearQuota       bool
	UsedTrafficBytes *int64
}

// RuleUpdate is a partial update; nil fields are left untouched.
type RuleUpdate struct {
	OperatorEnabled   *bool
	DisableProvenance *Provenance
	UsedTrafficBytes  *int64
}

// Store is the shared source of truth for users and forwarding rules.
// Every method is transactional per row. Implementations must be safe for
// concurrent use.
type Store interface {
	// FindUser returns ErrNotFound when the user does not exist.
	FindUser(ctx context.Context, id int64) (*User, error)

	FindAllUsers(ctx context.Context, filter UserFilter) ([]User, error)

	// FindRule looks a rule up by its globally unique source port and
	// returns ErrNotFound when no rule listens there.
	FindRule(ctx context.Context, sourcePort int) (*ForwardRule, error)

	// FindAllRules returns every rule, with Owner populated when
	// withOwner is set.
	FindAllRules(ctx context.Context, withOwner bool) ([]ForwardRule, error)

	FindRulesByOwner(ctx context.Context, userID int64) ([]ForwardRule, error)

	UpdateUser(ctx context.Context, id int64, update UserUpdate) error
	UpdateRule(ctx context.Context, id int64, update RuleUpdate) error

	// AddTraffic atomically adds bytes to both the user and the rule.
	AddTraffic(ctx context.Context, userID, ruleID int64, bytes int64) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicatePort is returned when a rule would reuse a source port.
	ErrDuplicatePort = errors.New("source port already in use")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)
