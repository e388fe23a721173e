// Package editor holds the client-side state of the image being edited and
// the actions that move it between server round trips.
package editor

import (
	"github.com/slurp-tools/slurp/internal/models"
)

// Session mirrors what the server knows about the image being edited,
// plus the progress flags shown to the user.
type Session struct {
	LocalFile        string
	OriginalFilename string
	ImageID          string
	ImageURL         string
	LocalPreview     string
	Info             *models.ImageVersion
	Dimensions       *models.Dimensions
	Loading          bool
	Applying         bool
	Step             string
	Error            string
}

func (s Session) clone() Session {
	if s.Info != nil {
		info := *s.Info
		s.Info = &info
	}
	if s.Dimensions != nil {
		dims := *s.Dimensions
		s.Dimensions = &dims
	}
	return s
}

// Busy reports whether a request or preview load is in flight
func (s Session) Busy() bool {
	return s.Loading || s.Applying
}

// View is the state of the editor shell
type View int

const (
	ViewNoImage View = iota
	ViewLoading
	ViewEditing
)

func (v View) String() string {
	switch v {
	case ViewNoImage:
		return "no image"
	case ViewLoading:
		return "loading"
	case ViewEditing:
		return "editing"
	}
	return "unknown"
}

// View derives the editor shell state from the session
func (s Session) View() View {
	switch {
	case s.Busy():
		return ViewLoading
	case s.ImageURL == "":
		return ViewNoImage
	}
	return ViewEditing
}
