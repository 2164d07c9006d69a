package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled        bool                   `json:"enabled"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	Type           ConfigType             `json:"type"`    // "file", "syslog", etc.
	Options        map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel       string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations.
//
// Log is fire-and-forget from the key management service's point of
// view: an operation never fails or rolls back because an audit write
// failed. Implementations still return errors so callers that do care
// (the CLI, tests) can observe them.
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID                 string                 `json:"id"`
	RequestID          string                 `json:"request_id,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`
	OrganizationID     string                 `json:"organization_id,omitempty"`
	Action             string                 `json:"action"`
	Success            bool                   `json:"success"`
	Error              string                 `json:"error,omitempty"`
	ResourceType       string                 `json:"resource_type,omitempty"`
	ResourceID         string                 `json:"resource_id,omitempty"`
	BusinessContext    string                 `json:"business_context,omitempty"`
	ComplianceRelevant bool                   `json:"compliance_relevant,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Source             string                 `json:"source,omitempty"` // IP, hostname, etc.
	Duration           int64                  `json:"duration_ms,omitempty"`
}

// Well-known metadata keys promoted into Event fields by the loggers.
const (
	FieldOrganizationID     = "organization_id"
	FieldResourceType       = "resource_type"
	FieldResourceID         = "resource_id"
	FieldBusinessContext    = "business_context"
	FieldComplianceRelevant = "compliance_relevant"
	FieldRequestID          = "request_id"
	FieldError              = "error"
)

// QueryOptions for filtering audit logs
type QueryOptions struct {
	OrganizationID string
	Since          *time.Time
	Until          *time.Time
	Action         string
	Success        *bool // nil = all, true = only success, false = only failures
	ResourceID     string
	ComplianceOnly bool // Only compliance-relevant events
	Limit          int
	Offset         int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType: // Default to file if not specified
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an Event from the raw Log arguments, promoting the
// well-known metadata keys into first-class fields.
func newEvent(action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
	}

	remaining := make(map[string]interface{})
	for k, v := range metadata {
		switch k {
		case FieldOrganizationID:
			event.OrganizationID, _ = v.(string)
		case FieldResourceType:
			event.ResourceType, _ = v.(string)
		case FieldResourceID:
			event.ResourceID, _ = v.(string)
		case FieldBusinessContext:
			event.BusinessContext, _ = v.(string)
		case FieldComplianceRelevant:
			event.ComplianceRelevant, _ = v.(bool)
		case FieldRequestID:
			event.RequestID, _ = v.(string)
		case FieldError:
			event.Error = fmt.Sprintf("%v", v)
		default:
			remaining[k] = v
		}
	}
	if len(remaining) > 0 {
		event.Metadata = remaining
	}
	return event
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return uuid.NewString()
}
