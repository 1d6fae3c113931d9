package resource

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// Serializer turns an order snapshot into a plain key/value document.
type Serializer interface {
	Serialize(o models.OrderSnapshot) (map[string]any, error)
}

type reference struct {
	ID   string `json:"id"`
	UUID string `json:"uuid,omitempty"`
}

type activityDocument struct {
	Code      string        `json:"code"`
	Status    string        `json:"status"`
	Details   string        `json:"details"`
	Location  *models.Point `json:"location,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type orderDocument struct {
	ID             string             `json:"id"`
	UUID           string             `json:"uuid"`
	Company        *reference         `json:"company,omitempty"`
	DriverAssigned *reference         `json:"driver_assigned,omitempty"`
	Type           string             `json:"type"`
	Status         string             `json:"status"`
	Adhoc          bool               `json:"adhoc"`
	Dispatched     bool               `json:"dispatched"`
	DispatchedAt   *time.Time         `json:"dispatched_at"`
	Pickup         *models.Point      `json:"pickup"`
	Dropoff        *models.Point      `json:"dropoff"`
	Activities     []activityDocument `json:"tracking_statuses"`
	Meta           map[string]any     `json:"meta"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// OrderSerializer renders orders with related resources collapsed to their
// public identifiers.
type OrderSerializer struct{}

func (OrderSerializer) Serialize(o models.OrderSnapshot) (map[string]any, error) {
	doc := orderDocument{
		ID:           o.PublicID,
		UUID:         o.UUID,
		Type:         o.Type,
		Status:       o.Status,
		Adhoc:        o.Adhoc,
		Dispatched:   o.Dispatched,
		DispatchedAt: o.DispatchedAt,
		Pickup:       o.Pickup,
		Dropoff:      o.Dropoff,
		Activities:   make([]activityDocument, 0, len(o.Activities)),
		Meta:         o.Meta,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	if o.CompanyUUID != "" {
		doc.Company = &reference{ID: o.CompanyPublicID, UUID: o.CompanyUUID}
		if doc.Company.ID == "" {
			doc.Company.ID = o.CompanyUUID
		}
	}
	if o.DriverAssignedUUID != "" {
		doc.DriverAssigned = &reference{ID: o.DriverAssignedUUID, UUID: o.DriverAssignedUUID}
	}
	for _, a := range o.Activities {
		doc.Activities = append(doc.Activities, activityDocument(a))
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize order %s: %w", o.UUID, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("serialize order %s: %w", o.UUID, err)
	}
	return CollapseChildren(out), nil
}

// CollapseChildren replaces every nested object carrying an "id" key with
// that id. Top-level scalars and id-less objects such as points are kept.
func CollapseChildren(doc map[string]any) map[string]any {
	for k, v := range doc {
		switch child := v.(type) {
		case map[string]any:
			if id, ok := child["id"]; ok {
				doc[k] = id
			}
		case []any:
			for i, item := range child {
				if m, ok := item.(map[string]any); ok {
					if id, ok := m["id"]; ok {
						child[i] = id
					}
				}
			}
		}
	}
	return doc
}
