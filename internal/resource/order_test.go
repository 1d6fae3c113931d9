package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-dispatch/internal/models"
)

func TestSerializeCollapsesRelations(t *testing.T) {
	snap := models.OrderSnapshot{
		UUID:               "o-uuid",
		PublicID:           "order_abc",
		CompanyUUID:        "c-uuid",
		CompanyPublicID:    "company_xyz",
		DriverAssignedUUID: "d-uuid",
		Status:             "dispatched",
		Pickup:             &models.Point{Lat: 1, Lon: 2},
		Activities:         []models.Activity{{Code: "created", CreatedAt: time.Unix(0, 0).UTC()}},
	}
	doc, err := OrderSerializer{}.Serialize(snap)
	require.NoError(t, err)

	assert.Equal(t, "order_abc", doc["id"])
	assert.Equal(t, "company_xyz", doc["company"])
	assert.Equal(t, "d-uuid", doc["driver_assigned"])
	// points have no id and stay nested
	assert.Equal(t, map[string]any{"lat": 1.0, "lon": 2.0}, doc["pickup"])
	assert.Len(t, doc["tracking_statuses"], 1)
}

func TestCollapseChildren(t *testing.T) {
	doc := CollapseChildren(map[string]any{
		"id":       "x",
		"customer": map[string]any{"id": "contact_1", "name": "A"},
		"items":    []any{map[string]any{"id": "entity_1"}, "raw"},
		"point":    map[string]any{"lat": 1.0},
	})
	assert.Equal(t, "contact_1", doc["customer"])
	assert.Equal(t, []any{"entity_1", "raw"}, doc["items"])
	assert.Equal(t, map[string]any{"lat": 1.0}, doc["point"])
}
