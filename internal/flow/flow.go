package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/storage"
)

const (
	TriggerDispatch = "dispatch"
	DefaultFlow     = "default"
)

// Activity is one step of an order flow.
type Activity struct {
	Code    string   `json:"code" koanf:"code"`
	Status  string   `json:"status" koanf:"status"`
	Details string   `json:"details" koanf:"details"`
	Trigger string   `json:"trigger,omitempty" koanf:"trigger"`
	Events  []string `json:"events,omitempty" koanf:"events"`
}

func (a Activity) TriggeredBy(event string) bool {
	if a.Trigger == event {
		return true
	}
	for _, e := range a.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Definition is an ordered list of activities for an order type.
type Definition struct {
	Activities []Activity `json:"activities" koanf:"activities"`
}

// Lookup finds the flow definition that applies to an order. A nil
// definition with a nil error means no flow is configured.
type Lookup interface {
	Flow(ctx context.Context, o *models.Order) (*Definition, error)
}

// Resolver picks the activity applied when an order is dispatched.
type Resolver struct {
	Lookup Lookup
}

func NewResolver(l Lookup) *Resolver { return &Resolver{Lookup: l} }

// Resolve returns the first activity triggered by dispatch, or nil.
func (r *Resolver) Resolve(ctx context.Context, o *models.Order) (*models.DispatchActivity, error) {
	if r == nil || r.Lookup == nil {
		return nil, nil
	}
	def, err := r.Lookup.Flow(ctx, o)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, nil
	}
	for _, a := range def.Activities {
		if a.TriggeredBy(TriggerDispatch) {
			return &models.DispatchActivity{Code: a.Code, Status: a.Status, Details: a.Details}, nil
		}
	}
	return nil, nil
}

// StaticLookup serves flows keyed by order type from configuration.
type StaticLookup map[string]Definition

func (s StaticLookup) Flow(_ context.Context, o *models.Order) (*Definition, error) {
	if def, ok := s[o.Type]; ok {
		return &def, nil
	}
	if def, ok := s[DefaultFlow]; ok {
		return &def, nil
	}
	return nil, nil
}

// StoreLookup reads per-company flow documents from storage.
type StoreLookup struct {
	Store storage.FlowStore
	// Fallback is consulted when the company has no stored flow.
	Fallback Lookup
}

func (s StoreLookup) Flow(ctx context.Context, o *models.Order) (*Definition, error) {
	raw, err := s.Store.FlowDefinition(ctx, o.CompanyUUID, o.Type)
	if errors.Is(err, storage.ErrNotFound) {
		if s.Fallback != nil {
			return s.Fallback.Flow(ctx, o)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode flow for order %s: %w", o.UUID, err)
	}
	return &def, nil
}
