// Package data provides the image sources, augmentation pipeline and
// distributed samplers feeding the training loop. Images travel as flat
// []float64 row-major tensors, channel-planar, already normalized into the
// symmetric range [-Scale, Scale].
package data

import (
	"fmt"
	"math/rand"
	"os"
)

// Dataset is an in-memory labeled image set stored as raw byte records:
// one label byte followed by c*h*w pixel bytes, channel-planar (the
// CIFAR-10 binary layout).
type Dataset struct {
	records []byte
	n       int
	c, h, w int
	classes int
}

// Len returns the number of images.
func (d *Dataset) Len() int { return d.n }

// Shape returns the channel, height and width of every image.
func (d *Dataset) Shape() (c, h, w int) { return d.c, d.h, d.w }

// Classes returns the number of label classes.
func (d *Dataset) Classes() int { return d.classes }

// Raw writes image i as pixel floats in [0,1] into dst (len c*h*w) and
// returns its label.
func (d *Dataset) Raw(i int, dst []float64) int {
	recLen := 1 + d.c*d.h*d.w
	rec := d.records[i*recLen : (i+1)*recLen]
	for j, b := range rec[1:] {
		dst[j] = float64(b) / 255.0
	}
	return int(rec[0])
}

// LoadBinary reads CIFAR-10-style binary batch files: fixed-size records of
// 1 label byte + c*h*w pixel bytes, concatenated across files.
func LoadBinary(paths []string, c, h, w, classes int) (*Dataset, error) {
	recLen := 1 + c*h*w
	var records []byte
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read dataset %s: %w", p, err)
		}
		if len(raw)%recLen != 0 {
			return nil, fmt.Errorf("dataset %s: size %d not a multiple of record length %d", p, len(raw), recLen)
		}
		records = append(records, raw...)
	}
	n := len(records) / recLen
	if n == 0 {
		return nil, fmt.Errorf("no records in dataset files %v", paths)
	}
	return &Dataset{records: records, n: n, c: c, h: h, w: w, classes: classes}, nil
}

// NewSynthetic generates a deterministic pseudo-random dataset. Each class
// gets a distinct base pattern plus per-image noise, so a small model can
// actually learn it; used for tests and smoke runs.
func NewSynthetic(n, c, h, w, classes int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	recLen := 1 + c*h*w
	records := make([]byte, n*recLen)

	base := make([][]byte, classes)
	for k := range base {
		base[k] = make([]byte, c*h*w)
		for j := range base[k] {
			base[k][j] = byte(rng.Intn(256))
		}
	}
	for i := 0; i < n; i++ {
		label := rng.Intn(classes)
		rec := records[i*recLen : (i+1)*recLen]
		rec[0] = byte(label)
		for j := range rec[1:] {
			v := int(base[label][j]) + rng.Intn(65) - 32
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			rec[1+j] = byte(v)
		}
	}
	return &Dataset{records: records, n: n, c: c, h: h, w: w, classes: classes}
}

// Normalizer maps [0,1] pixels into the symmetric training range using
// per-channel mean/std, then clamps to [-Scale, Scale]. Scale is the
// half-width the attacker's epsilon is expressed against.
type Normalizer struct {
	Mean  []float64 // per channel
	Std   []float64 // per channel
	Scale float64
}

// DefaultNormalizer uses 0.5/0.25 per channel, which places pixel values in
// [-2, 2] before clamping (image scale 2.0, the attacker default).
func DefaultNormalizer(channels int) Normalizer {
	mean := make([]float64, channels)
	std := make([]float64, channels)
	for i := 0; i < channels; i++ {
		mean[i] = 0.5
		std[i] = 0.25
	}
	return Normalizer{Mean: mean, Std: std, Scale: 2.0}
}

// Apply normalizes img (channel-planar, len c*h*w) in place.
func (nz Normalizer) Apply(img []float64, c, h, w int) {
	plane := h * w
	for ch := 0; ch < c; ch++ {
		m, s := nz.Mean[ch], nz.Std[ch]
		off := ch * plane
		for j := 0; j < plane; j++ {
			v := (img[off+j] - m) / s
			if v > nz.Scale {
				v = nz.Scale
			} else if v < -nz.Scale {
				v = -nz.Scale
			}
			img[off+j] = v
		}
	}
}

// Source composes a dataset with an optional augmenter and a normalizer.
// A Source belongs to one rank goroutine; its augmentation RNG is not
// synchronized.
type Source struct {
	ds   *Dataset
	aug  *Augmenter
	norm Normalizer
}

// NewSource builds a source. aug may be nil for clean (validation) data.
func NewSource(ds *Dataset, aug *Augmenter, norm Normalizer) *Source {
	return &Source{ds: ds, aug: aug, norm: norm}
}

// Len returns the number of images.
func (s *Source) Len() int { return s.ds.Len() }

// Shape returns the per-image tensor shape.
func (s *Source) Shape() (c, h, w int) { return s.ds.Shape() }

// Classes returns the number of label classes.
func (s *Source) Classes() int { return s.ds.Classes() }

// Sample writes the augmented, normalized image i into dst and returns its
// label.
func (s *Source) Sample(i int, dst []float64) int {
	c, h, w := s.ds.Shape()
	label := s.ds.Raw(i, dst)
	if s.aug != nil {
		s.aug.Apply(dst, c, h, w)
	}
	s.norm.Apply(dst, c, h, w)
	return label
}

// Batch is one mini-batch of images and labels. Images is [N × C*H*W].
type Batch struct {
	Images  []float64
	Labels  []int
	N       int
	C, H, W int
}

// NewBatch allocates a batch buffer for up to maxN images of the source's
// shape.
func NewBatch(src *Source, maxN int) *Batch {
	c, h, w := src.Shape()
	return &Batch{
		Images: make([]float64, maxN*c*h*w),
		Labels: make([]int, maxN),
		C:      c, H: h, W: w,
	}
}

// Dim returns the flattened per-image length.
func (b *Batch) Dim() int { return b.C * b.H * b.W }

// Fill loads the images at the given indices from src into the batch,
// reusing the batch buffers.
func (b *Batch) Fill(src *Source, indices []int) {
	dim := b.Dim()
	b.N = len(indices)
	for r, idx := range indices {
		b.Labels[r] = src.Sample(idx, b.Images[r*dim:(r+1)*dim])
	}
}
