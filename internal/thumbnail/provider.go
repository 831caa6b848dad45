// Package thumbnail prepares image crops for aggregated items.
package thumbnail

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/scanium/scanpipe/internal/model"
)

// Provider prepares a thumbnail for an aggregated item. A nil ImageRef
// with a nil error means no thumbnail is available, which is not a
// failure.
type Provider interface {
	Prepare(item *model.AggregatedItem) (*model.ImageRef, error)
}

// NoopProvider never produces a thumbnail. It effectively disables
// thumbnail-dependent features such as cloud classification.
type NoopProvider struct{}

func NewNoopProvider() *NoopProvider { return &NoopProvider{} }

func (*NoopProvider) Prepare(*model.AggregatedItem) (*model.ImageRef, error) {
	return nil, nil
}

// DirProvider loads pre-cropped thumbnails from a directory, keyed by item
// ID. It backs offline replay, where crops were extracted ahead of time.
type DirProvider struct {
	dir string
}

// NewDirProvider creates a provider rooted at dir.
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{dir: dir}
}

var thumbExtensions = []string{".jpg", ".jpeg", ".png"}

func (p *DirProvider) Prepare(item *model.AggregatedItem) (*model.ImageRef, error) {
	if item == nil {
		return nil, nil
	}
	for _, ext := range thumbExtensions {
		path := filepath.Join(p.dir, item.ID+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, eris.Wrapf(err, "thumbnail: read %s", path)
		}
		return &model.ImageRef{Key: item.ID + ext, Data: data}, nil
	}
	return nil, nil
}

// StaticProvider returns the same bytes for every item. Used in tests and
// as a stand-in when the capture pipeline supplies one full-frame crop.
type StaticProvider struct {
	data []byte
}

func NewStaticProvider(data []byte) *StaticProvider {
	return &StaticProvider{data: data}
}

func (p *StaticProvider) Prepare(item *model.AggregatedItem) (*model.ImageRef, error) {
	if item == nil || len(p.data) == 0 {
		return nil, nil
	}
	return &model.ImageRef{Key: item.ID, Data: p.data}, nil
}
