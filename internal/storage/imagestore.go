package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slurp-tools/slurp/internal/models"
)

// ImageStore keeps every version of an edited image. Versions are encoded as PNG
// so edits never accumulate compression loss.
type ImageStore struct {
	blobs   BlobStore
	history HistoryStore
	locks   keyedMutex
	now     func() time.Time
}

func NewImageStore(blobs BlobStore, history HistoryStore) *ImageStore {
	return &ImageStore{
		blobs:   blobs,
		history: history,
		locks:   keyedMutex{held: make(map[string]*lockEntry)},
		now:     time.Now,
	}
}

func blobKey(id string) string {
	return id + "/" + uuid.NewString() + ".png"
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("could not encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Create stores img as version 0 of a new image
func (s *ImageStore) Create(ctx context.Context, img image.Image) (models.ImageVersion, error) {
	id := uuid.NewString()
	data, err := encodePNG(img)
	if err != nil {
		return models.ImageVersion{}, err
	}

	key := blobKey(id)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return models.ImageVersion{}, err
	}

	v, err := s.history.Create(ctx, id, key, s.now())
	if err != nil {
		s.discard(ctx, key)
		return models.ImageVersion{}, err
	}
	slog.Info("Created image", "id", id, "bytes", len(data))
	return v, nil
}

// SaveVersion appends img after the current version, discarding any redo branch
func (s *ImageStore) SaveVersion(ctx context.Context, id string, img image.Image) (models.ImageVersion, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	return s.save(ctx, id, img)
}

func (s *ImageStore) save(ctx context.Context, id string, img image.Image) (models.ImageVersion, error) {
	data, err := encodePNG(img)
	if err != nil {
		return models.ImageVersion{}, err
	}

	key := blobKey(id)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return models.ImageVersion{}, err
	}

	v, dropped, err := s.history.Append(ctx, id, key, s.now())
	if err != nil {
		s.discard(ctx, key)
		return models.ImageVersion{}, err
	}
	for _, k := range dropped {
		s.discard(ctx, k)
	}
	slog.Debug("Saved image version", "id", id, "version", v.Version, "dropped", len(dropped))
	return v, nil
}

// Edit loads the current version, transforms it with fn and saves the result.
// Edits of the same image are serialized.
func (s *ImageStore) Edit(ctx context.Context, id string, fn func(image.Image) (image.Image, error)) (models.ImageVersion, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	img, _, err := s.LoadLatest(ctx, id)
	if err != nil {
		return models.ImageVersion{}, err
	}
	out, err := fn(img)
	if err != nil {
		return models.ImageVersion{}, err
	}
	return s.save(ctx, id, out)
}

// OpenLatest returns the encoded PNG of the current version
func (s *ImageStore) OpenLatest(ctx context.Context, id string) ([]byte, models.ImageVersion, error) {
	h, err := s.history.Get(ctx, id)
	if err != nil {
		return nil, models.ImageVersion{}, err
	}
	v := h.Versions[h.Current]
	data, err := s.blobs.Get(ctx, v.FilePath)
	if err != nil {
		return nil, models.ImageVersion{}, err
	}
	return data, v, nil
}

// LoadLatest decodes the current version
func (s *ImageStore) LoadLatest(ctx context.Context, id string) (image.Image, models.ImageVersion, error) {
	data, v, err := s.OpenLatest(ctx, id)
	if err != nil {
		return nil, models.ImageVersion{}, err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, models.ImageVersion{}, fmt.Errorf("decoding version %d of %s: %w", v.Version, id, err)
	}
	return img, v, nil
}

func (s *ImageStore) Undo(ctx context.Context, id string) (models.ImageVersion, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	return s.history.Move(ctx, id, -1, s.now())
}

func (s *ImageStore) Redo(ctx context.Context, id string) (models.ImageVersion, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	return s.history.Move(ctx, id, 1, s.now())
}

func (s *ImageStore) History(ctx context.Context, id string) (models.History, error) {
	return s.history.Get(ctx, id)
}

// Delete removes the image and all of its versions
func (s *ImageStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	keys, err := s.history.Delete(ctx, id)
	if err != nil {
		return err
	}
	for _, k := range keys {
		s.discard(ctx, k)
	}
	slog.Info("Deleted image", "id", id, "versions", len(keys))
	return nil
}

// Expired lists images untouched since before
func (s *ImageStore) Expired(ctx context.Context, before time.Time) ([]string, error) {
	return s.history.Expired(ctx, before)
}

// Purge deletes every image untouched since before and reports how many went
func (s *ImageStore) Purge(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.Expired(ctx, before)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := s.Delete(ctx, id); err != nil {
			slog.Warn("Failed to purge image", "id", id, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}

func (s *ImageStore) Close() error {
	herr := s.history.Close()
	berr := s.blobs.Close()
	if herr != nil {
		return herr
	}
	return berr
}

func (s *ImageStore) discard(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		slog.Warn("Failed to delete blob", "key", key, "error", err)
	}
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per image id and forgets it once unused
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	e, ok := k.held[id]
	if !ok {
		e = &lockEntry{}
		k.held[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.held, id)
		}
		k.mu.Unlock()
	}
}
