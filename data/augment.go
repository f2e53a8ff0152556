package data

import (
	"math/rand"
	"sync"
)

// Augmenter applies random augmentation to [0,1] pixel images before
// normalization. Level (1..9) scales every op's magnitude the way a
// rand-m{level} policy would: higher levels shift further, jitter harder
// and erase bigger patches. Level 0 disables everything.
type Augmenter struct {
	Level int
	rng   *rand.Rand
}

// NewAugmenter creates an augmenter at the given strength level with its
// own seeded RNG. Seeds are rank-dependent upstream so replicas augment
// differently but reproducibly.
func NewAugmenter(level int, seed int64) *Augmenter {
	return &Augmenter{Level: level, rng: rand.New(rand.NewSource(seed))}
}

// Apply augments img (channel-planar, len c*h*w) in place.
func (a *Augmenter) Apply(img []float64, c, h, w int) {
	if a.Level <= 0 {
		return
	}
	if a.rng.Float64() < 0.5 {
		flipHorizontal(img, c, h, w)
	}
	maxShift := a.Level*h/64 + 1
	dy := a.rng.Intn(2*maxShift+1) - maxShift
	dx := a.rng.Intn(2*maxShift+1) - maxShift
	if dy != 0 || dx != 0 {
		shift(img, c, h, w, dy, dx)
	}

	strength := 0.05 * float64(a.Level)
	contrast := 1.0 + (a.rng.Float64()*2-1)*strength
	brightness := (a.rng.Float64()*2 - 1) * strength
	for i, v := range img {
		v = (v-0.5)*contrast + 0.5 + brightness
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		img[i] = v
	}

	// Random erasing: fill a box with noise.
	if a.rng.Float64() < 0.25 {
		a.erase(img, c, h, w)
	}
}

func flipHorizontal(img []float64, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		plane := img[ch*h*w : (ch+1)*h*w]
		for y := 0; y < h; y++ {
			row := plane[y*w : (y+1)*w]
			for x := 0; x < w/2; x++ {
				row[x], row[w-1-x] = row[w-1-x], row[x]
			}
		}
	}
}

// shift translates the image by (dy, dx), filling exposed pixels with the
// nearest edge value.
func shift(img []float64, c, h, w, dy, dx int) {
	tmp := make([]float64, h*w)
	for ch := 0; ch < c; ch++ {
		plane := img[ch*h*w : (ch+1)*h*w]
		copy(tmp, plane)
		for y := 0; y < h; y++ {
			sy := clampInt(y-dy, 0, h-1)
			for x := 0; x < w; x++ {
				sx := clampInt(x-dx, 0, w-1)
				plane[y*w+x] = tmp[sy*w+sx]
			}
		}
	}
}

func (a *Augmenter) erase(img []float64, c, h, w int) {
	areaFrac := 0.02 + 0.01*float64(a.Level)
	eh := int(float64(h) * areaFrac * (1 + a.rng.Float64()))
	ew := int(float64(w) * areaFrac * (1 + a.rng.Float64()))
	if eh < 1 {
		eh = 1
	}
	if ew < 1 {
		ew = 1
	}
	if eh > h {
		eh = h
	}
	if ew > w {
		ew = w
	}
	y0 := a.rng.Intn(h - eh + 1)
	x0 := a.rng.Intn(w - ew + 1)
	for ch := 0; ch < c; ch++ {
		plane := img[ch*h*w : (ch+1)*h*w]
		for y := y0; y < y0+eh; y++ {
			for x := x0; x < x0+ew; x++ {
				plane[y*w+x] = a.rng.Float64()
			}
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LevelCache builds augmented sources lazily, keyed by strength level, so a
// run only pays for the levels its curriculum actually visits. One cache per
// rank; the backing dataset is shared, the augmenter RNGs are not.
type LevelCache struct {
	ds   *Dataset
	norm Normalizer
	seed int64

	mu     sync.Mutex
	levels map[int]*Source
}

// NewLevelCache creates a cache over ds. seed should already incorporate
// the rank.
func NewLevelCache(ds *Dataset, norm Normalizer, seed int64) *LevelCache {
	return &LevelCache{ds: ds, norm: norm, seed: seed, levels: make(map[int]*Source)}
}

// Level returns the source for an augmentation strength level, building it
// on first use. Level 0 is the clean source.
func (lc *LevelCache) Level(level int) *Source {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if s, ok := lc.levels[level]; ok {
		return s
	}
	var aug *Augmenter
	if level > 0 {
		aug = NewAugmenter(level, lc.seed+int64(level)*7919)
	}
	s := NewSource(lc.ds, aug, lc.norm)
	lc.levels[level] = s
	return s
}
