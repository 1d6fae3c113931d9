package notify

import (
	"time"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/units"
)

const (
	pingTitle       = "New incoming order!"
	pingBodyGeneric = "New order is available for pickup."
	pingType        = "order_ping"
	assignedType    = "order_dispatched"
	viewOrderAction = "view_order"
	androidColor    = "#4391EA"
	androidLabel    = "analytics"
	iosLabel        = "analytics_ios"
)

// PushMessage is the provider-neutral content of a push notification.
type PushMessage struct {
	Title string
	Body  string
	// Data carries the order public id and the notification type.
	Data           map[string]string
	Action         string
	ActionArgs     map[string]string
	Badge          int
	AndroidColor   string
	AndroidLabel   string
	IOSLabel       string
	CollapseKey    string
	DistanceMeters *float64
}

// BuildPush renders the push content for one recipient.
func BuildPush(o models.OrderSnapshot, mode Mode, distance *float64) PushMessage {
	msg := PushMessage{
		Data:         map[string]string{"id": o.PublicID},
		Action:       viewOrderAction,
		ActionArgs:   map[string]string{"id": o.PublicID},
		Badge:        1,
		AndroidColor: androidColor,
		AndroidLabel: androidLabel,
		IOSLabel:     iosLabel,
		CollapseKey:  o.PublicID,
	}
	switch mode {
	case Assigned:
		msg.Title = "Order " + o.PublicID + " has been dispatched!"
		msg.Body = "An order has been dispatched to you for pickup."
		msg.Data["type"] = assignedType
	default:
		msg.Title = pingTitle
		msg.Body = pingBodyGeneric
		if distance != nil && *distance > 0 {
			msg.Body = "New order available for pickup about " + units.FormatMeters(*distance, false) + " away"
		}
		msg.Data["type"] = pingType
		msg.DistanceMeters = distance
	}
	return msg
}

// BroadcastPayload is the real-time message published on every topic.
type BroadcastPayload struct {
	ID         string         `json:"id"`
	APIVersion string         `json:"api_version"`
	Event      string         `json:"event"`
	CreatedAt  string         `json:"created_at"`
	Data       map[string]any `json:"data"`
	// Recipient is the public id of the driver the notification targets.
	Recipient string   `json:"recipient,omitempty"`
	Distance  *float64 `json:"distance,omitempty"`
}

func buildBroadcast(id, apiVersion string, mode Mode, at time.Time, data map[string]any, r Recipient) BroadcastPayload {
	p := BroadcastPayload{
		ID:         id,
		APIVersion: apiVersion,
		Event:      mode.Event(),
		CreatedAt:  at.UTC().Format(time.RFC3339),
		Data:       data,
		Recipient:  r.Driver.PublicID,
	}
	if mode == Ping {
		p.Distance = r.Distance
	}
	return p
}

// Topics lists the broadcast topics for an order: company uuid, company
// public id, API credential, order uuid and order public id. Empty keys are
// skipped.
func Topics(o models.OrderSnapshot, t models.Tenant) []string {
	company := t.CompanyUUID
	if company == "" {
		company = o.CompanyUUID
	}
	companyPublic := t.CompanyPublicID
	if companyPublic == "" {
		companyPublic = o.CompanyPublicID
	}
	candidates := []struct{ prefix, key string }{
		{"company.", company},
		{"company.", companyPublic},
		{"api.", t.APICredential},
		{"order.", o.UUID},
		{"order.", o.PublicID},
	}
	out := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c.key == "" {
			continue
		}
		topic := c.prefix + c.key
		if seen[topic] {
			continue
		}
		seen[topic] = true
		out = append(out, topic)
	}
	return out
}
