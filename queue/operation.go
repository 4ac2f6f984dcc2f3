package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Method is the kind of mutation replayed against the remote API.
type Method string

const (
	Create Method = "create"
	Update Method = "update"
	Patch  Method = "patch"
	Delete Method = "delete"
)

// ParseMethod accepts method names and their HTTP verbs, case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create", "post":
		return Create, nil
	case "update", "put":
		return Update, nil
	case "patch":
		return Patch, nil
	case "delete":
		return Delete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

func (m Method) valid() bool {
	switch m {
	case Create, Update, Patch, Delete:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Operation is a queued mutation. ID and the request fields are immutable once
// enqueued; the queue owns RetryCount, Status, LastError and NextAttemptAt.
type Operation struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Method        Method            `json:"method"`
	Resource      string            `json:"resource"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	Status        Status            `json:"status"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
}

// Targets reports whether the operation writes to resource: either the
// collection itself or a member path below it.
func (o Operation) Targets(resource string) bool {
	resource = strings.TrimSuffix(resource, "/")
	return o.Resource == resource || strings.HasPrefix(o.Resource, resource+"/")
}

func (o Operation) clone() Operation {
	if o.Payload != nil {
		o.Payload = append(json.RawMessage(nil), o.Payload...)
	}
	if o.Headers != nil {
		h := make(map[string]string, len(o.Headers))
		for k, v := range o.Headers {
			h[k] = v
		}
		o.Headers = h
	}
	return o
}

// SyncStatus is a point-in-time view for observability. Pending counts
// operations not yet settled (pending or syncing). Completed counts operations
// confirmed since the queue was constructed, since completed operations are
// pruned from storage.
type SyncStatus struct {
	Syncing   bool `json:"syncing"`
	Pending   int  `json:"pending"`
	Failed    int  `json:"failed"`
	Completed int  `json:"completed"`
}
