package crisis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resource is a crisis contact offered to the user.
type Resource struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// DefaultResources is the US resource list offered with every crisis reply.
func DefaultResources() []Resource {
	return []Resource{
		{Name: "Crisis Text Line", Contact: "Text HOME to 741741"},
		{Name: "988 Suicide & Crisis Lifeline", Contact: "988"},
		{Name: "Emergency Services", Contact: "911"},
	}
}

// ParseResources decodes a JSON array of resources. Empty input yields the defaults.
func ParseResources(raw string) ([]Resource, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultResources(), nil
	}
	var out []Resource
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("crisis: decode resources: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("crisis: resource list is empty")
	}
	for i, r := range out {
		if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Contact) == "" {
			return nil, fmt.Errorf("crisis: resource %d needs name and contact", i)
		}
	}
	return out, nil
}

// Script renders the fixed reply sent on a crisis short-circuit.
func Script(resources []Resource) string {
	var b strings.Builder
	b.WriteString("I'm really concerned about what you're sharing, and I'm glad you told me. ")
	b.WriteString("Your safety matters most right now. Please reach out to someone who can help immediately:\n\n")
	for _, r := range resources {
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Contact)
	}
	b.WriteString("\nYou don't have to go through this alone. If you're on campus, your counseling center can also help today.")
	return b.String()
}

// Event is the audit record written whenever a session escalates.
type Event struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	OwnerID          string     `json:"owner_id"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	RiskLevel        Level      `json:"risk_level"`
	Reasons          []Tag      `json:"reasons"`
	MessageSnapshot  string     `json:"message_snapshot"`
	ResourcesOffered []Resource `json:"resources_offered"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
}

// Open reports whether a counselor has not yet cleared the event.
func (e *Event) Open() bool { return e != nil && e.ResolvedAt == nil }

// OpenCritical reports whether the event keeps the escalation floor in place.
func (e *Event) OpenCritical() bool { return e.Open() && e.RiskLevel == LevelCritical }

// NewEvent builds an event for an escalating assessment.
func NewEvent(sessionID, ownerID, snapshot string, a Assessment, resources []Resource) (*Event, error) {
	if !a.Level.Escalates() {
		return nil, fmt.Errorf("crisis: level %s does not warrant an event", a.Level)
	}
	offered := make([]Resource, len(resources))
	copy(offered, resources)
	return &Event{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		OwnerID:          ownerID,
		TriggeredAt:      time.Now().UTC(),
		RiskLevel:        a.Level,
		Reasons:          a.Tags(),
		MessageSnapshot:  snapshot,
		ResourcesOffered: offered,
	}, nil
}
