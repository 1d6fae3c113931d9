package models

import (
	"math"
	"time"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether p can be used as a geographic point.
func (p *Point) Valid() bool {
	if p == nil {
		return false
	}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

const (
	DriverStatusActive   = "active"
	DriverStatusInactive = "inactive"
)

type CompanyOptions struct {
	// AdhocDistance is the ping radius in meters for adhoc orders.
	AdhocDistance *float64 `json:"adhoc_distance,omitempty"`
}

type Company struct {
	UUID      string         `json:"uuid"`
	PublicID  string         `json:"public_id"`
	Name      string         `json:"name"`
	Options   CompanyOptions `json:"options"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

type User struct {
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type Driver struct {
	UUID        string     `json:"uuid"`
	PublicID    string     `json:"public_id"`
	CompanyUUID string     `json:"company_uuid"`
	Company     *Company   `json:"company,omitempty"`
	User        *User      `json:"user,omitempty"`
	Status      string     `json:"status"`
	Online      bool       `json:"online"`
	Location    *Point     `json:"location,omitempty"`
	FCMToken    string     `json:"fcm_token,omitempty"`
	APNToken    string     `json:"apn_token,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	Updated     time.Time  `json:"updated"`
}

// Eligible reports whether the driver may receive adhoc pings: active, online,
// not deleted, backed by a live user and owned by a live company. A driver
// passing this check already makes its company one with an active online
// driver-linked user, so no company-wide lookup is needed here.
func (d Driver) Eligible() bool {
	if d.Status != DriverStatusActive || !d.Online || d.DeletedAt != nil {
		return false
	}
	if d.User == nil || d.User.DeletedAt != nil {
		return false
	}
	if d.Company == nil || d.Company.DeletedAt != nil {
		return false
	}
	return true
}

// Match is a driver annotated with its distance in meters from a pickup.
type Match struct {
	Driver   Driver  `json:"driver"`
	Distance float64 `json:"distance"`
}

// Tenant scopes downstream queries and broadcasts to a company and, when the
// dispatch came through the public API, to the calling credential.
type Tenant struct {
	CompanyUUID     string `json:"company_uuid"`
	CompanyPublicID string `json:"company_public_id"`
	APICredential   string `json:"api_credential,omitempty"`
}

type Activity struct {
	Code      string    `json:"code"`
	Status    string    `json:"status"`
	Details   string    `json:"details"`
	Location  *Point    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DispatchActivity is the workflow step applied at dispatch time.
type DispatchActivity struct {
	Code    string `json:"code"`
	Status  string `json:"status"`
	Details string `json:"details"`
}

type Waypoint struct {
	Index int            `json:"index"`
	Point Point          `json:"point"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type Order struct {
	UUID               string         `json:"uuid"`
	PublicID           string         `json:"public_id"`
	CompanyUUID        string         `json:"company_uuid"`
	Company            *Company       `json:"company,omitempty"`
	Type               string         `json:"type"`
	Status             string         `json:"status"`
	Pickup             *Point         `json:"pickup,omitempty"`
	Dropoff            *Point         `json:"dropoff,omitempty"`
	DriverAssignedUUID string         `json:"driver_assigned_uuid,omitempty"`
	Adhoc              bool           `json:"adhoc"`
	AdhocDistance      *float64       `json:"adhoc_distance,omitempty"`
	Dispatched         bool           `json:"dispatched"`
	DispatchedAt       *time.Time     `json:"dispatched_at,omitempty"`
	DriverNotifiedAt   *time.Time     `json:"driver_notified_at,omitempty"`
	Activities         []Activity     `json:"activities,omitempty"`
	Meta               map[string]any `json:"meta,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (o *Order) HasDriverAssigned() bool { return o.DriverAssignedUUID != "" }

// LastLocation is the most recent activity location, falling back to pickup.
func (o *Order) LastLocation() *Point {
	for i := len(o.Activities) - 1; i >= 0; i-- {
		if loc := o.Activities[i].Location; loc != nil {
			p := *loc
			return &p
		}
	}
	if o.Pickup != nil {
		p := *o.Pickup
		return &p
	}
	return nil
}

// LatestActivityAt returns the creation time of the newest activity.
func (o *Order) LatestActivityAt() time.Time {
	var latest time.Time
	for _, a := range o.Activities {
		if a.CreatedAt.After(latest) {
			latest = a.CreatedAt
		}
	}
	return latest
}

// Tenant derives the tenant scope of the order.
func (o *Order) Tenant(apiCredential string) Tenant {
	t := Tenant{CompanyUUID: o.CompanyUUID, APICredential: apiCredential}
	if o.Company != nil {
		if t.CompanyUUID == "" {
			t.CompanyUUID = o.Company.UUID
		}
		t.CompanyPublicID = o.Company.PublicID
	}
	return t
}

// OrderSnapshot is a detached copy of an order safe to hand to asynchronous
// consumers. It holds no pointers shared with the live record.
type OrderSnapshot struct {
	UUID               string
	PublicID           string
	CompanyUUID        string
	CompanyPublicID    string
	Type               string
	Status             string
	Pickup             *Point
	Dropoff            *Point
	DriverAssignedUUID string
	Adhoc              bool
	Dispatched         bool
	DispatchedAt       *time.Time
	Activities         []Activity
	Meta               map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (o *Order) Snapshot() OrderSnapshot {
	s := OrderSnapshot{
		UUID:               o.UUID,
		PublicID:           o.PublicID,
		CompanyUUID:        o.CompanyUUID,
		Type:               o.Type,
		Status:             o.Status,
		Pickup:             clonePoint(o.Pickup),
		Dropoff:            clonePoint(o.Dropoff),
		DriverAssignedUUID: o.DriverAssignedUUID,
		Adhoc:              o.Adhoc,
		Dispatched:         o.Dispatched,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
	if o.Company != nil {
		s.CompanyPublicID = o.Company.PublicID
	}
	if o.DispatchedAt != nil {
		t := *o.DispatchedAt
		s.DispatchedAt = &t
	}
	if len(o.Activities) > 0 {
		s.Activities = make([]Activity, len(o.Activities))
		for i, a := range o.Activities {
			a.Location = clonePoint(a.Location)
			s.Activities[i] = a
		}
	}
	if len(o.Meta) > 0 {
		s.Meta = make(map[string]any, len(o.Meta))
		for k, v := range o.Meta {
			s.Meta[k] = v
		}
	}
	return s
}

// DriverRef is the detached identity of a driver carried by events and tasks.
type DriverRef struct {
	UUID        string `json:"uuid"`
	PublicID    string `json:"public_id"`
	CompanyUUID string `json:"company_uuid"`
}

func (d Driver) Ref() DriverRef {
	return DriverRef{UUID: d.UUID, PublicID: d.PublicID, CompanyUUID: d.CompanyUUID}
}

func clonePoint(p *Point) *Point {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
