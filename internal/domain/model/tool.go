package model

import (
	"encoding/json"
	"time"
)

type ToolType string

const (
	ToolTypeForm   ToolType = "form"
	ToolTypeTheme  ToolType = "theme"
	ToolTypeCanvas ToolType = "canvas"
)

func (t ToolType) Valid() bool {
	switch t {
	case ToolTypeForm, ToolTypeTheme, ToolTypeCanvas:
		return true
	}
	return false
}

// Tool is an exportable user-authored resource: a form schema, a theme,
// or a drawing-canvas project. The definition is an opaque JSON document.
type Tool struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"name"`
	Slug       string          `json:"slug"`
	Type       ToolType        `json:"type"`
	Definition json.RawMessage `json:"definition"`
	IsArchived bool            `json:"is_archived"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	OwnerName  *string         `json:"owner_name,omitempty"` // For display
}
