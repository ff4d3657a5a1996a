package ratelimit

import (
	"strings"
	"time"
)

// Policy is the rate limit configured for one API key.
type Policy struct {
	APIKey        string    `json:"apiKey" db:"api_key"`
	LimitCount    int       `json:"limitCount" db:"limit_count"`
	WindowSeconds int       `json:"windowSeconds" db:"window_seconds"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.APIKey) == "" {
		return InvalidArgument("API key cannot be blank")
	}
	if p.LimitCount <= 0 {
		return InvalidArgument("Limit must be positive")
	}
	if p.WindowSeconds <= 0 {
		return InvalidArgument("Window seconds must be positive")
	}
	return nil
}

// Window returns the fixed window length.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Reason classifies how a decision was reached.
type Reason int

const (
	// ReasonUnconfigured means no policy exists for the key.
	ReasonUnconfigured Reason = iota
	// ReasonDegraded means the counter store failed its health check.
	ReasonDegraded
	// ReasonExecutionFailure means the increment itself failed.
	ReasonExecutionFailure
	// ReasonWithinLimit means the count is at or below the limit.
	ReasonWithinLimit
	// ReasonLimitExceeded means the count is above the limit.
	ReasonLimitExceeded
	// ReasonError means an unexpected failure was absorbed.
	ReasonError
)

// String returns the string representation of Reason.
func (r Reason) String() string {
	switch r {
	case ReasonUnconfigured:
		return "unconfigured"
	case ReasonDegraded:
		return "degraded"
	case ReasonExecutionFailure:
		return "execution_failure"
	case ReasonWithinLimit:
		return "within_limit"
	case ReasonLimitExceeded:
		return "limit_exceeded"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// Caller-visible decision messages.
const (
	MessageUnconfigured     = "No rate limit configured for this API key"
	MessageDegraded         = "Rate limiting unavailable - request allowed"
	MessageExecutionFailure = "Rate limiting failed - request allowed"
	MessageAllowed          = "Request allowed"
	MessageExceeded         = "Rate limit exceeded"
	MessageError            = "Rate limiting error - request allowed"
	MessageServiceError     = "Rate limiting service error - request allowed"
)

// Decision is the outcome of one admission check. It is never persisted.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Message      string `json:"message"`
	CurrentCount *int64 `json:"currentCount,omitempty"`
	LimitCount   *int   `json:"limitCount,omitempty"`
	RemainingTTL *int64 `json:"remainingTtl,omitempty"`
	Reason       Reason `json:"-"`
}

// Remaining returns how many requests are left in the window, or -1 when unknown.
func (d Decision) Remaining() int64 {
	if d.CurrentCount == nil || d.LimitCount == nil {
		return -1
	}
	return max(0, int64(*d.LimitCount)-*d.CurrentCount)
}

// Usage reports the live counter state for a configured key.
type Usage struct {
	APIKey        string `json:"apiKey"`
	CurrentCount  int64  `json:"currentCount"`
	LimitCount    int    `json:"limitCount"`
	Remaining     int64  `json:"remaining"`
	WindowTTL     int64  `json:"windowTtl"`
	WindowSeconds int    `json:"windowSeconds"`
}

// LimitsPage is one page of configured policies, newest first.
type LimitsPage struct {
	Limits        []Policy `json:"limits"`
	TotalPages    int      `json:"totalPages"`
	TotalElements int64    `json:"totalElements"`
	CurrentPage   int      `json:"currentPage"`
	PageSize      int      `json:"pageSize"`
}

// NewLimitsPage computes the page metadata for total elements.
func NewLimitsPage(limits []Policy, total int64, page, size int) LimitsPage {
	if limits == nil {
		limits = []Policy{}
	}
	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return LimitsPage{
		Limits:        limits,
		TotalPages:    pages,
		TotalElements: total,
		CurrentPage:   page,
		PageSize:      size,
	}
}

// EventType identifies the kind of rate limit event.
type EventType string

const (
	// EventBlocked is emitted when a request is denied.
	EventBlocked EventType = "BLOCKED"
	// EventConfigChange is emitted when a policy is created, updated or deleted.
	EventConfigChange EventType = "CONFIG_CHANGE"
)

// ConfigAction is the mutation carried by a CONFIG_CHANGE event.
type ConfigAction string

const (
	ActionCreated ConfigAction = "CREATED"
	ActionUpdated ConfigAction = "UPDATED"
	ActionDeleted ConfigAction = "DELETED"
)

// Message returns the human readable event message for the action.
func (a ConfigAction) Message() string {
	return "Rate limit configuration " + strings.ToLower(string(a))
}

// BlockedMessage is the message stamped on BLOCKED events.
const BlockedMessage = "Request blocked due to rate limit exceeded"

// Event is the payload exchanged through the message broker.
type Event struct {
	APIKey       string    `json:"apiKey"`
	EventType    EventType `json:"eventType,omitempty"`
	CurrentCount *int64    `json:"currentCount,omitempty"`
	LimitCount   *int      `json:"limitCount,omitempty"`
	WindowTTL    *int64    `json:"windowTtl,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
}

// NewBlockedEvent builds a BLOCKED event. ttl may be nil when it could not be read.
func NewBlockedEvent(apiKey string, currentCount int64, limitCount int, ttl *int64) Event {
	return Event{
		APIKey:       apiKey,
		EventType:    EventBlocked,
		CurrentCount: &currentCount,
		LimitCount:   &limitCount,
		WindowTTL:    ttl,
		Timestamp:    time.Now(),
		Message:      BlockedMessage,
	}
}

// NewConfigChangeEvent builds a CONFIG_CHANGE event for action.
func NewConfigChangeEvent(apiKey string, action ConfigAction) Event {
	return Event{
		APIKey:    apiKey,
		EventType: EventConfigChange,
		Timestamp: time.Now(),
		Message:   action.Message(),
	}
}

// Tag returns the broker tag for the event.
func (e Event) Tag() string {
	return string(e.EventType)
}

// HealthStatus represents the health of the service dependencies.
type HealthStatus struct {
	Healthy  bool   `json:"healthy"`
	Redis    string `json:"redis"`
	Database string `json:"database,omitempty"`
	Broker   string `json:"broker"`
}
