package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/video"
)

// Store is the read-only view of the metadata meta-sort writes. Get returns
// errors.ErrAssetNotFound when nothing is known about the id.
type Store interface {
	Get(ctx context.Context, assetID string) (*video.MediaAsset, error)
}

// Asset ids are content hashes. Anything else would let a request glob across keys.
var assetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func ValidateAssetID(assetID string) error {
	if !assetIDPattern.MatchString(assetID) {
		return fmt.Errorf("%w: malformed asset id %q", catErrs.ErrInvalidRequest, assetID)
	}
	return nil
}

// Paths turns the paths stored in records into local filesystem paths
type Paths struct {
	// Root for filePath and sourcePath values that aren't absolute
	MediaDir string
	// Root for the path field, which is always relative to the shared volume
	FilesPath string
}

func (p Paths) resolve(value string, relativeTo string) string {
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(relativeTo, strings.TrimPrefix(value, "./"))
}

// InMemory serves a fixed set of assets, for tests and local development
type InMemory struct {
	Assets map[string]*video.MediaAsset
}

func (m InMemory) Get(_ context.Context, assetID string) (*video.MediaAsset, error) {
	a, ok := m.Assets[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catErrs.ErrAssetNotFound, assetID)
	}
	clone := *a
	return &clone, nil
}
