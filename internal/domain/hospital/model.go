package hospital

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Hospital is a registered transfer endpoint. Slug is derived from Name once,
// at registration, and is unique across the registry.
type Hospital struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
}

// Normalize lowercases name, trims it and joins its words with underscores,
// so "City  General Hospital " becomes "city_general_hospital".
func Normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}
