// Package audit records security-relevant lifecycle events (tenant
// provisioning, invitations, token hand-offs, directory reloads) as JSON lines.
// Query traffic is not audited here; see logging.QueryAuditor.
package audit

import (
	"time"

	"github.com/Curve-Labs/egregore-site-sub000/internal/obfuscate"
)

// Event is one audit line. Details must never hold secrets.
type Event struct {
	Timestamp     time.Time              `json:"timestamp"`
	Action        string                 `json:"action"`
	Actor         string                 `json:"actor"`
	Tenant        string                 `json:"tenant,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ClientIP      string                 `json:"client_ip,omitempty"`
	Result        ResultType             `json:"result"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// ResultType represents the outcome of an audited operation
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultFailure ResultType = "failure"
)

// Actions
const (
	ActionTenantProvision = "tenant.provision"
	ActionTenantJoin      = "tenant.join"
	ActionInviteCreate    = "invite.create"
	ActionInviteAccept    = "invite.accept"
	ActionTokenClaim      = "token.claim"
	ActionDirectoryReload = "directory.reload"
	ActionKeyIssue        = "apikey.issue"
	ActionKeyRevoke       = "apikey.revoke"
)

// Actor types for non-user actors
const (
	ActorSystem     = "system"
	ActorAnonymous  = "anonymous"
	ActorManagement = "management_api"
)

// NewEvent creates a new audit event with the specified action and result.
func NewEvent(action string, actor string, result ResultType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Actor:     actor,
		Result:    result,
		Details:   make(map[string]interface{}),
	}
}

func (e *Event) WithTenant(slug string) *Event {
	e.Tenant = slug
	return e
}

func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

func (e *Event) WithCorrelationID(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

func (e *Event) WithClientIP(clientIP string) *Event {
	e.ClientIP = clientIP
	return e
}

// WithDetail adds a detail key-value pair to the audit event.
// Secrets must be obfuscated before calling this method.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithToken records an obfuscated setup, invite or API key token.
func (e *Event) WithToken(key, token string) *Event {
	return e.WithDetail(key, obfuscate.Token(token))
}

// WithError records the error code or message of a failed operation.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		return e.WithDetail("error", err.Error())
	}
	return e
}

func (e *Event) WithDuration(duration time.Duration) *Event {
	return e.WithDetail("duration_ms", duration.Milliseconds())
}
