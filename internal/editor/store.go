package editor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/slurp-tools/slurp/internal/models"
)

var (
	ErrBusy    = errors.New("editor is busy")
	ErrNoImage = errors.New("no image loaded")
)

const defaultLoadError = "Failed to load image preview."

// API is the part of the image API the editor needs
type API interface {
	Upload(ctx context.Context, filename string, r io.Reader) (models.ImageVersion, error)
	Undo(ctx context.Context, id string) (models.ImageVersion, error)
	Redo(ctx context.Context, id string) (models.ImageVersion, error)
	RenderURL(id string) string
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// FilterFunc asks the server for a new version of image id
type FilterFunc func(ctx context.Context, id string) (models.ImageVersion, error)

type subscriber struct {
	id   int
	fn   func(Session)
	last uint64
}

type change struct {
	seq  uint64
	snap Session
}

// Store owns one editor session. Every change is published to subscribers
// as a copy, in the order the changes were made. Subscribers must not call
// store actions synchronously.
type Store struct {
	api API

	mu      sync.Mutex
	state   Session
	seq     uint64
	pending []change
	subs    []*subscriber
	nextID  int

	// pub serializes delivery
	pub sync.Mutex
}

func NewStore(api API) *Store {
	return &Store{api: api}
}

// Subscribe calls fn with the current session now and after every change
func (s *Store) Subscribe(fn func(Session)) (unsubscribe func()) {
	s.pub.Lock()
	s.mu.Lock()
	s.nextID++
	sub := &subscriber{id: s.nextID, fn: fn, last: s.seq}
	s.subs = append(s.subs, sub)
	snap := s.state.clone()
	s.mu.Unlock()
	fn(snap)
	s.deliver()
	s.pub.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, other := range s.subs {
			if other.id == sub.id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Store) View() View {
	return s.Snapshot().View()
}

// update applies fn under the lock and publishes the result. fn may veto the
// change by returning an error, in which case nothing is published.
func (s *Store) update(fn func(*Session) error) error {
	s.mu.Lock()
	next := s.state.clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.seq++
	s.pending = append(s.pending, change{seq: s.seq, snap: next.clone()})
	s.mu.Unlock()

	s.pub.Lock()
	s.deliver()
	s.pub.Unlock()
	return nil
}

// deliver drains pending changes; the caller holds pub
func (s *Store) deliver() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		c := s.pending[0]
		s.pending = s.pending[1:]
		subs := append([]*subscriber(nil), s.subs...)
		s.mu.Unlock()

		for _, sub := range subs {
			if c.seq <= sub.last {
				continue
			}
			sub.last = c.seq
			sub.fn(c.snap.clone())
		}
	}
}

func (s *Store) set(fn func(*Session)) {
	_ = s.update(func(st *Session) error {
		fn(st)
		return nil
	})
}

func setLoading(st *Session, loading bool, step string) {
	st.Loading = loading
	if !loading {
		st.Applying = false
	}
	st.Step = step
	if loading {
		st.Error = ""
	}
}

func setError(st *Session, msg string) {
	st.Error = msg
	st.Loading = false
	st.Applying = false
	st.Step = ""
}

// Reset discards the session, keeping the error message when keepError is set
func (s *Store) Reset(keepError bool) {
	s.set(func(st *Session) {
		msg := st.Error
		*st = Session{}
		if keepError {
			st.Error = msg
		}
	})
	slog.Debug("Editor state reset")
}

// ReleasePreview drops the local preview once the server copy is available
func (s *Store) ReleasePreview() {
	s.set(releasePreview)
}

func releasePreview(st *Session) {
	if st.LocalPreview == "" {
		return
	}
	if st.ImageURL == st.LocalPreview {
		st.ImageURL = ""
	}
	st.LocalPreview = ""
}

// ChangeImage clears the session so a new image can be selected
func (s *Store) ChangeImage() {
	s.Reset(false)
}

// SelectAndUpload starts a fresh session for the file at path and uploads it
func (s *Store) SelectAndUpload(ctx context.Context, path string) error {
	name := filepath.Base(path)
	s.Reset(false)

	preview := localURL(path)
	s.set(func(st *Session) {
		setLoading(st, true, "Uploading image...")
		st.LocalFile = path
		st.OriginalFilename = name
		st.ImageURL = preview
		st.LocalPreview = preview
		st.Dimensions = nil
	})

	result, err := s.upload(ctx, path, name)
	if err != nil {
		s.set(func(st *Session) {
			setError(st, fmt.Sprintf("Error uploading %s: %v", name, err))
		})
		s.Reset(true)
		return err
	}

	slog.Debug("Upload successful", "id", result.UUID, "version", result.Version)
	s.set(func(st *Session) {
		st.ImageID = result.UUID
		st.Info = &result
		st.LocalFile = ""
		st.Loading = true
		st.Step = "Loading image data..."
	})
	return s.RefreshImage(ctx, false)
}

func (s *Store) upload(ctx context.Context, path, name string) (models.ImageVersion, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.ImageVersion{}, err
	}
	defer f.Close()
	return s.api.Upload(ctx, name, f)
}

// Open edits an image the server already holds
func (s *Store) Open(ctx context.Context, id string) error {
	if id == "" {
		return ErrNoImage
	}
	s.Reset(false)
	s.set(func(st *Session) {
		st.ImageID = id
	})
	return s.RefreshImage(ctx, false)
}

// RefreshImage points the preview at the server's current version. Loading
// stays set until ImageLoadComplete or ImageLoadError.
func (s *Store) RefreshImage(ctx context.Context, resetApplying bool) error {
	if s.Snapshot().ImageID == "" {
		s.Reset(false)
		return ErrNoImage
	}

	s.set(func(st *Session) {
		setLoading(st, true, "Loading image preview...")
		if resetApplying {
			st.Applying = false
		}
		releasePreview(st)
		st.ImageURL = s.api.RenderURL(st.ImageID)
		st.Dimensions = nil
	})
	return nil
}

func (s *Store) ImageLoadComplete(dims models.Dimensions) {
	s.set(func(st *Session) {
		st.Loading = false
		st.Applying = false
		st.Step = ""
		st.Dimensions = &dims
	})
}

// ImageLoadError records a failed preview load. An empty msg uses a default.
func (s *Store) ImageLoadError(msg string) {
	if msg == "" {
		msg = defaultLoadError
	}
	slog.Warn("Image preview failed to load", "error", msg)
	s.set(func(st *Session) {
		setError(st, msg)
		st.ImageURL = ""
		st.Dimensions = nil
	})
}

// ApplyFilter runs fn against the current image and refreshes the preview.
// A failed filter leaves Error untouched; the error is only returned.
func (s *Store) ApplyFilter(ctx context.Context, fn FilterFunc, name string) error {
	if name == "" {
		name = "filter"
	}

	var id string
	err := s.update(func(st *Session) error {
		if st.ImageID == "" {
			return ErrNoImage
		}
		if st.Busy() {
			return ErrBusy
		}
		id = st.ImageID
		st.Applying = true
		st.Loading = true
		st.Step = fmt.Sprintf("Applying %s...", name)
		st.Error = ""
		return nil
	})
	if err != nil {
		slog.Debug("Cannot apply filter", "filter", name, "error", err)
		return err
	}

	result, err := fn(ctx, id)
	if err != nil {
		slog.Error("Filter failed", "filter", name, "id", id, "error", err)
		s.set(func(st *Session) {
			st.Loading = false
			st.Applying = false
			st.Step = ""
		})
		return err
	}

	slog.Debug("Filter applied", "filter", name, "id", result.UUID, "version", result.Version)
	s.set(func(st *Session) {
		st.ImageID = result.UUID
		st.Info = &result
	})
	return s.RefreshImage(ctx, false)
}

func (s *Store) Undo(ctx context.Context) error {
	return s.ApplyFilter(ctx, s.api.Undo, "Undo")
}

func (s *Store) Redo(ctx context.Context) error {
	return s.ApplyFilter(ctx, s.api.Redo, "Redo")
}

// Preview loads the current preview URL the way an image element would and
// reports the outcome through ImageLoadComplete or ImageLoadError. Results
// for a URL that has since been replaced are dropped.
func (s *Store) Preview(ctx context.Context) (models.Dimensions, error) {
	target := s.Snapshot().ImageURL
	if target == "" {
		return models.Dimensions{}, ErrNoImage
	}

	dims, err := s.loadDimensions(ctx, target)
	if s.Snapshot().ImageURL != target {
		return dims, err
	}
	if err != nil {
		s.ImageLoadError("")
		return dims, err
	}
	s.ImageLoadComplete(dims)
	return dims, nil
}

func (s *Store) loadDimensions(ctx context.Context, target string) (models.Dimensions, error) {
	var (
		data []byte
		err  error
	)
	if u, perr := url.Parse(target); perr == nil && u.Scheme == "file" {
		data, err = os.ReadFile(filepath.FromSlash(u.Path))
	} else {
		data, err = s.api.Fetch(ctx, target)
	}
	if err != nil {
		return models.Dimensions{}, fmt.Errorf("failed to load preview: %w", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return models.Dimensions{}, fmt.Errorf("failed to decode preview: %w", err)
	}
	return models.Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

func localURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
