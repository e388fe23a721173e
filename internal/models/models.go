package models

import (
	"encoding/json"
	"time"
)

// ImageVersion identifies one stored revision of an edited image.
// Field names are serialized as-is; browser clients read data.UUID and data.Version.
type ImageVersion struct {
	UUID     string `json:"UUID"`
	Version  int    `json:"Version"`
	FilePath string `json:"FilePath"`
}

// History is the full version chain of an image with the undo cursor
type History struct {
	UUID      string         `json:"uuid"`
	Current   int            `json:"current"`
	Versions  []ImageVersion `json:"versions"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CanUndo reports whether an older version exists behind the cursor
func (h History) CanUndo() bool {
	return h.Current > 0
}

// CanRedo reports whether a newer version exists ahead of the cursor
func (h History) CanRedo() bool {
	return h.Current < len(h.Versions)-1
}

// FilterRequest names a server-side filter and its raw JSON parameters
type FilterRequest struct {
	Filter string          `json:"filter"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CropRect is a crop region in source image pixels
type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Point is an absolute [x, y] pixel coordinate
type Point [2]int

// Dimensions holds the pixel size of a decoded image
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}
