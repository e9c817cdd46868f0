package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Service status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusUnknown  = "unknown"
)

// Scan run status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Column limits enforced before insert.
const (
	MaxNameLength       = 255
	MaxURLLength        = 500
	MaxFaviconURLLength = 500
)

// IPAddr wraps net.IP to implement PostgreSQL INET type.
type IPAddr struct {
	net.IP
}

// Scan implements sql.Scanner for PostgreSQL INET type.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		ip.IP = nil
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}

	// INET values may carry a prefix length.
	if parsed, _, err := net.ParseCIDR(s); err == nil {
		ip.IP = parsed
		return nil
	}
	parsed := net.ParseIP(s)
	if parsed == nil {
		return fmt.Errorf("failed to parse IP address: %s", s)
	}
	ip.IP = parsed
	return nil
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if ip.IP == nil {
		return nil, nil
	}
	return ip.IP.String(), nil
}

// String returns the IP address string.
func (ip IPAddr) String() string {
	if ip.IP == nil {
		return ""
	}
	return ip.IP.String()
}

// MarshalJSON renders the address as a string, or null when unset.
func (ip IPAddr) MarshalJSON() ([]byte, error) {
	if ip.IP == nil {
		return []byte("null"), nil
	}
	return json.Marshal(ip.IP.String())
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSONB(nil), v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = append(JSONB(nil), data...)
	return nil
}

// NewJSONB marshals v into a JSONB value.
func NewJSONB(v interface{}) (JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONB(data), nil
}

// Category groups services on the dashboard.
type Category struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Icon       string    `db:"icon" json:"icon"`
	Color      string    `db:"color" json:"color"`
	OrderIndex int       `db:"order_index" json:"order_index"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// CategoryWithCount is a category plus the number of visible services in it.
type CategoryWithCount struct {
	Category
	ServiceCount int `db:"service_count" json:"service_count"`
}

// Service is a discovered or manually added web endpoint.
type Service struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	URL              string     `db:"url" json:"url"`
	Description      *string    `db:"description" json:"description"`
	FaviconURL       *string    `db:"favicon_url" json:"favicon_url"`
	CategoryID       *uuid.UUID `db:"category_id" json:"category_id"`
	CategoryName     *string    `db:"category_name" json:"category_name"`
	IPAddress        IPAddr     `db:"ip_address" json:"ip_address"`
	Port             *int       `db:"port" json:"port"`
	Protocol         *string    `db:"protocol" json:"protocol"`
	Status           string     `db:"status" json:"status"`
	ResponseTimeMS   *int       `db:"response_time_ms" json:"response_time"`
	LastSeen         *time.Time `db:"last_seen" json:"last_seen"`
	FirstDiscovered  time.Time  `db:"first_discovered" json:"first_discovered"`
	IsManual         bool       `db:"is_manual" json:"is_manual"`
	IsCategoryManual bool       `db:"is_category_manual" json:"is_category_manual"`
	IsHidden         bool       `db:"is_hidden" json:"is_hidden"`
	ExtraData        JSONB      `db:"extra_data" json:"extra_data"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// ServiceFilter narrows ServiceRepository.List.
type ServiceFilter struct {
	CategoryID    *uuid.UUID
	Status        string
	Search        string
	IncludeHidden bool
}

// ServicePatch holds the user-editable fields of a service. Nil fields are
// left untouched.
type ServicePatch struct {
	Name        *string
	Description *string
	CategoryID  *uuid.UUID
	// ClearCategory sets category_id to NULL; it wins over CategoryID.
	ClearCategory bool
	IsManual      *bool
	// CategoryManual marks the category as user-chosen.
	CategoryManual bool
}

// ServiceRestore carries the fields written when a hidden service is
// recreated by hand.
type ServiceRestore struct {
	Name        string
	Description *string
	CategoryID  *uuid.UUID
}

// ScanRun is one execution of the discovery pipeline.
type ScanRun struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at"`
	Status          string     `db:"status" json:"status"`
	ServicesFound   int        `db:"services_found" json:"services_found"`
	NewServices     int        `db:"new_services" json:"new_services"`
	RemovedServices int        `db:"removed_services" json:"removed_services"`
	ErrorMessage    *string    `db:"error_message" json:"error_message"`
	ScanConfig      JSONB      `db:"scan_config" json:"scan_config"`
}

// IsTerminal reports whether the run has finished, successfully or not.
func (r *ScanRun) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// RunCounts are the totals recorded on a completed run.
type RunCounts struct {
	ServicesFound   int
	NewServices     int
	RemovedServices int
}
