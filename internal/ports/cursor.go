package ports

import "github.com/ghalamif/WaferProbe/internal/domain"

// CursorState is the persisted allocation state of the site identity manager.
type CursorState struct {
	Cursor      int                 `json:"cursor"`
	NextSiteID  domain.SiteID       `json:"next_site_id"`
	Allocations []domain.Assignment `json:"allocations"`
}

// CursorStore persists CursorState. Load returns ok=false when nothing was
// saved yet.
type CursorStore interface {
	Load() (state CursorState, ok bool, err error)
	Save(state CursorState) error
}
