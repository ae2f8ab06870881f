package datasets

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/Noofbiz/tumorPurity/model"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/image/draw"
)

// ImageNet statistics the feature extractor expects its inputs normalized by.
var (
	channelMean = [model.Channels]float32{0.485, 0.456, 0.406}
	channelStd  = [model.Channels]float32{0.229, 0.224, 0.225}
)

// preprocessor decodes patches and resizes them into a reused RGBA buffer.
// It is not safe for concurrent use: every loader worker owns one.
type preprocessor struct {
	size int
	dst  *image.RGBA
}

func newPreprocessor(size int) *preprocessor {
	return &preprocessor{
		size: size,
		dst:  image.NewRGBA(image.Rect(0, 0, size, size)),
	}
}

// load decodes the image at path and returns it as normalized CHW values.
func (p *preprocessor) load(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open patch: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode patch %s: %w", path, err)
	}
	return p.process(img), nil
}

// process resizes img to size x size (bilinear) and converts it to CHW
// float32 values normalized with the ImageNet mean and std.
func (p *preprocessor) process(img image.Image) []float32 {
	bounds := img.Bounds()
	if bounds.Dx() == p.size && bounds.Dy() == p.size {
		draw.Draw(p.dst, p.dst.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(p.dst, p.dst.Bounds(), img, bounds, draw.Src, nil)
	}

	plane := p.size * p.size
	data := make([]float32, model.Channels*plane)
	pix := p.dst.Pix
	for y := 0; y < p.size; y++ {
		row := y * p.dst.Stride
		for x := 0; x < p.size; x++ {
			off := row + 4*x
			idx := y*p.size + x
			for c := 0; c < model.Channels; c++ {
				v := float32(pix[off+c]) / 255.0
				data[c*plane+idx] = (v - channelMean[c]) / channelStd[c]
			}
		}
	}
	return data
}

// patchStore loads patches through per-worker preprocessors and keeps the
// most recently used ones in memory. Bags of one patient draw from the same
// few hundred patches, so most reads are cache hits.
type patchStore struct {
	size  int
	cache *ttlcache.Cache[string, []float32]

	mu      sync.Mutex
	workers map[int]*preprocessor
	shared  *preprocessor
}

func newPatchStore(size, capacity int) *patchStore {
	s := &patchStore{
		size:    size,
		workers: make(map[int]*preprocessor),
		shared:  newPreprocessor(size),
	}
	if capacity > 0 {
		s.cache = ttlcache.New[string, []float32](
			ttlcache.WithTTL[string, []float32](ttlcache.NoTTL),
			ttlcache.WithCapacity[string, []float32](uint64(capacity)),
		)
	}
	return s
}

// initWorker gives worker its own preprocessor.
func (s *patchStore) initWorker(worker int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[worker]; !ok {
		s.workers[worker] = newPreprocessor(s.size)
	}
}

// get returns the preprocessed patch at path. Workers that were never
// initialized share a single preprocessor guarded by the store lock.
func (s *patchStore) get(worker int, path string) ([]float32, error) {
	if s.cache != nil {
		if item := s.cache.Get(path); item != nil {
			return item.Value(), nil
		}
	}

	s.mu.Lock()
	p, ok := s.workers[worker]
	s.mu.Unlock()

	var (
		data []float32
		err  error
	)
	if ok {
		data, err = p.load(path)
	} else {
		s.mu.Lock()
		data, err = s.shared.load(path)
		s.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(path, data, ttlcache.DefaultTTL)
	}
	return data, nil
}

// len returns the number of cached patches.
func (s *patchStore) len() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// reset drops cached patches. Patches are never shared between patients.
func (s *patchStore) reset() {
	if s.cache != nil {
		s.cache.DeleteAll()
	}
}
