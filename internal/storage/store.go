package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// DispatchMark describes the dispatch transition written by MarkDispatched.
type DispatchMark struct {
	At time.Time
	// Activity is appended, and its code becomes the order status, when set.
	Activity *models.Activity
}

// OrderStore defines the order operations used by the dispatch core.
type OrderStore interface {
	GetOrder(ctx context.Context, uuid string) (*models.Order, error)
	// MarkDispatched flips dispatched from false to true. It reports false,
	// without writing anything, when the order was already dispatched.
	MarkDispatched(ctx context.Context, uuid string, mark DispatchMark) (bool, error)
	// ClaimNotification reserves the dispatch notification of an order until
	// now+lease. It reports false when the notification was already sent or
	// another live claim holds it.
	ClaimNotification(ctx context.Context, uuid string, now time.Time, lease time.Duration) (bool, error)
	// ReleaseNotification drops a claim so a later delivery can send again.
	ReleaseNotification(ctx context.Context, uuid string) error
	// MarkDriverNotified records that the notification went out and clears
	// any claim.
	MarkDriverNotified(ctx context.Context, uuid string, at time.Time) error
}

// DriverStore resolves drivers without tenant or soft-delete scoping.
type DriverStore interface {
	GetDriver(ctx context.Context, uuid string) (*models.Driver, error)
	UpdateDriverLocation(ctx context.Context, uuid string, p models.Point) error
}

type CompanyStore interface {
	GetCompany(ctx context.Context, uuid string) (*models.Company, error)
}

// FlowStore returns the raw flow definition document for a company and
// order type, falling back to the company's "default" flow.
type FlowStore interface {
	FlowDefinition(ctx context.Context, companyUUID, orderType string) ([]byte, error)
}
