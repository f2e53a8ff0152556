package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// Dense holds weights and biases for a single fully-connected layer.
// W is [Out × In] row-major, B is [Out].
type Dense struct {
	W   []float64
	B   []float64
	In  int
	Out int
}

// Classifier is a feedforward image classifier over flattened normalized
// pixel tensors. Architecture: input → hidden1 (ReLU) → ... → hiddenN (ReLU)
// → logits. Layers[0..N-2] are hidden layers with ReLU, Layers[N-1] is the
// linear output layer; softmax is left to the criterion.
type Classifier struct {
	Layers      []Dense
	InputDim    int // flattened C*H*W
	NumClasses  int
	DropoutRate float64 // inverted dropout rate for hidden layers (0 = disabled)

	training bool
}

// NewClassifier creates a classifier with initialized weights.
// hidden lists the width of each hidden layer in order. rng seeds the weight
// initialization; replicas clone one constructed model instead of
// constructing their own, so one seeded source covers the run.
func NewClassifier(inputDim int, hidden []int, numClasses int, dropoutRate float64, rng *rand.Rand) *Classifier {
	layers := make([]Dense, len(hidden)+1)
	prevDim := inputDim
	for i, h := range hidden {
		layers[i] = Dense{
			W:   make([]float64, h*prevDim),
			B:   make([]float64, h),
			In:  prevDim,
			Out: h,
		}
		heInit(layers[i].W, prevDim, rng)
		prevDim = h
	}
	layers[len(hidden)] = Dense{
		W:   make([]float64, numClasses*prevDim),
		B:   make([]float64, numClasses),
		In:  prevDim,
		Out: numClasses,
	}
	xavierInit(layers[len(hidden)].W, prevDim, numClasses, rng)

	return &Classifier{
		Layers:      layers,
		InputDim:    inputDim,
		NumClasses:  numClasses,
		DropoutRate: dropoutRate,
	}
}

func xavierInit(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	scale := math.Sqrt(2.0 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = rng.NormFloat64() * scale
	}
}

// heInit initializes weights with He normal initialization (ReLU layers).
func heInit(w []float64, fanIn int, rng *rand.Rand) {
	scale := math.Sqrt(2.0 / float64(fanIn))
	for i := range w {
		w[i] = rng.NormFloat64() * scale
	}
}

// SetTraining switches between training mode (dropout active) and inference
// mode. Gradient computation itself is controlled by the caller, not by the
// mode: attacked evaluation runs in inference mode yet still backpropagates
// to the input pixels.
func (c *Classifier) SetTraining(train bool) { c.training = train }

// Training reports whether the classifier is in training mode.
func (c *Classifier) Training() bool { return c.training }

// NumParameters returns the total trainable parameter count.
func (c *Classifier) NumParameters() int {
	n := 0
	for _, l := range c.Layers {
		n += len(l.W) + len(l.B)
	}
	return n
}

// Clone returns a deep copy sharing no storage with the receiver.
func (c *Classifier) Clone() *Classifier {
	layers := make([]Dense, len(c.Layers))
	for i, l := range c.Layers {
		layers[i] = Dense{
			W:   append([]float64(nil), l.W...),
			B:   append([]float64(nil), l.B...),
			In:  l.In,
			Out: l.Out,
		}
	}
	return &Classifier{
		Layers:      layers,
		InputDim:    c.InputDim,
		NumClasses:  c.NumClasses,
		DropoutRate: c.DropoutRate,
		training:    c.training,
	}
}

// Workspace holds pre-allocated buffers for one mini-batch forward/backward
// pass. A workspace is tied to one goroutine; it is not safe for concurrent
// use.
type Workspace struct {
	MaxBatch int
	Half     bool // round activations through float32 (reduced-precision mode)

	z     [][]float64 // pre-activation per layer [batch × layer.Out]
	a     [][]float64 // post-activation per hidden layer
	masks [][]float64 // dropout masks per hidden layer (nil slots until used)

	dz [][]float64
	da [][]float64

	inputGrad []float64 // [batch × InputDim]
}

// NewWorkspace allocates buffers for batches up to maxBatch rows.
func (c *Classifier) NewWorkspace(maxBatch int) *Workspace {
	nLayers := len(c.Layers)
	nHidden := nLayers - 1
	ws := &Workspace{
		MaxBatch:  maxBatch,
		z:         make([][]float64, nLayers),
		a:         make([][]float64, nHidden),
		masks:     make([][]float64, nHidden),
		dz:        make([][]float64, nLayers),
		da:        make([][]float64, nHidden),
		inputGrad: make([]float64, maxBatch*c.InputDim),
	}
	for i := 0; i < nLayers; i++ {
		ws.z[i] = make([]float64, maxBatch*c.Layers[i].Out)
		ws.dz[i] = make([]float64, maxBatch*c.Layers[i].Out)
		if i < nHidden {
			ws.a[i] = make([]float64, maxBatch*c.Layers[i].Out)
			ws.da[i] = make([]float64, maxBatch*c.Layers[i].Out)
			ws.masks[i] = make([]float64, maxBatch*c.Layers[i].Out)
		}
	}
	return ws
}

// Forward computes logits for a batch of bs flattened images.
// rng enables inverted dropout on hidden layers; pass nil to disable (the
// attacker and the evaluators always pass nil so the attacked input is
// crafted against the deterministic network).
// The returned slice aliases workspace memory and is valid until the next
// Forward call on the same workspace.
func (c *Classifier) Forward(x []float64, bs int, ws *Workspace, rng *rand.Rand) []float64 {
	nLayers := len(c.Layers)
	prevAct := x
	prevDim := c.InputDim

	for i := range c.Layers {
		layer := &c.Layers[i]
		z := ws.z[i][:bs*layer.Out]

		blas64.Gemm(blas.NoTrans, blas.Trans, 1.0,
			blas64.General{Rows: bs, Cols: prevDim, Stride: prevDim, Data: prevAct[:bs*prevDim]},
			blas64.General{Rows: layer.Out, Cols: prevDim, Stride: prevDim, Data: layer.W},
			0.0,
			blas64.General{Rows: bs, Cols: layer.Out, Stride: layer.Out, Data: z})

		if i < nLayers-1 {
			a := ws.a[i][:bs*layer.Out]
			for r := 0; r < bs; r++ {
				off := r * layer.Out
				for j := 0; j < layer.Out; j++ {
					v := z[off+j] + layer.B[j]
					z[off+j] = v
					if v > 0 {
						a[off+j] = v
					} else {
						a[off+j] = 0
					}
				}
			}
			if c.training && c.DropoutRate > 0 && rng != nil {
				scale := 1.0 / (1.0 - c.DropoutRate)
				mask := ws.masks[i][:bs*layer.Out]
				for idx := range a {
					if rng.Float64() < c.DropoutRate {
						mask[idx] = 0
						a[idx] = 0
					} else {
						mask[idx] = scale
						a[idx] *= scale
					}
				}
			} else {
				mask := ws.masks[i][:bs*layer.Out]
				for idx := range mask {
					mask[idx] = 1
				}
			}
			if ws.Half {
				roundHalf(a)
			}
			prevAct = a
			prevDim = layer.Out
		} else {
			for r := 0; r < bs; r++ {
				off := r * layer.Out
				for j := 0; j < layer.Out; j++ {
					z[off+j] += layer.B[j]
				}
			}
			if ws.Half {
				roundHalf(z)
			}
		}
	}
	return ws.z[nLayers-1][:bs*c.NumClasses]
}

// Backward backpropagates dLogits through the network after a Forward call
// on the same workspace with the same batch.
// If grads is non-nil, parameter gradients are accumulated into it (+=).
// If wantInput is true, the gradient with respect to the input pixels is
// computed and returned; the slice aliases workspace memory.
// The attacker calls Backward(x, bs, ws, dLogits, nil, true): input-pixel
// gradients only, parameters untouched.
func (c *Classifier) Backward(x []float64, bs int, ws *Workspace, dLogits []float64, grads *Grads, wantInput bool) []float64 {
	nLayers := len(c.Layers)
	outIdx := nLayers - 1

	copy(ws.dz[outIdx][:bs*c.NumClasses], dLogits)

	for i := nLayers - 1; i >= 0; i-- {
		layer := &c.Layers[i]
		dz := ws.dz[i][:bs*layer.Out]

		var inputToLayer []float64
		inputDim := layer.In
		if i == 0 {
			inputToLayer = x
		} else {
			inputToLayer = ws.a[i-1]
		}

		if grads != nil {
			// gW[i] += dz^T @ input
			blas64.Gemm(blas.Trans, blas.NoTrans, 1.0,
				blas64.General{Rows: bs, Cols: layer.Out, Stride: layer.Out, Data: dz},
				blas64.General{Rows: bs, Cols: inputDim, Stride: inputDim, Data: inputToLayer[:bs*inputDim]},
				1.0,
				blas64.General{Rows: layer.Out, Cols: inputDim, Stride: inputDim, Data: grads.W[i]})

			for r := 0; r < bs; r++ {
				off := r * layer.Out
				for j := 0; j < layer.Out; j++ {
					grads.B[i][j] += dz[off+j]
				}
			}
		}

		if i == 0 && !wantInput {
			break
		}

		// Gradient w.r.t. this layer's input.
		var dst []float64
		if i == 0 {
			dst = ws.inputGrad[:bs*c.InputDim]
		} else {
			dst = ws.da[i-1][:bs*inputDim]
		}
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1.0,
			blas64.General{Rows: bs, Cols: layer.Out, Stride: layer.Out, Data: dz},
			blas64.General{Rows: layer.Out, Cols: inputDim, Stride: inputDim, Data: layer.W},
			0.0,
			blas64.General{Rows: bs, Cols: inputDim, Stride: inputDim, Data: dst})

		if i > 0 {
			// Through dropout and ReLU of hidden layer i-1.
			mask := ws.masks[i-1][:bs*inputDim]
			zPrev := ws.z[i-1][:bs*inputDim]
			dzPrev := ws.dz[i-1][:bs*inputDim]
			for idx := range dst {
				g := dst[idx] * mask[idx]
				if zPrev[idx] > 0 {
					dzPrev[idx] = g
				} else {
					dzPrev[idx] = 0
				}
			}
		}
	}

	if wantInput {
		return ws.inputGrad[:bs*c.InputDim]
	}
	return nil
}

// Grads holds parameter gradient accumulators mirroring the layer shapes.
type Grads struct {
	W [][]float64
	B [][]float64
}

// NewGrads allocates zeroed gradient accumulators for the classifier.
func (c *Classifier) NewGrads() *Grads {
	g := &Grads{
		W: make([][]float64, len(c.Layers)),
		B: make([][]float64, len(c.Layers)),
	}
	for i, l := range c.Layers {
		g.W[i] = make([]float64, len(l.W))
		g.B[i] = make([]float64, len(l.B))
	}
	return g
}

// Zero clears all accumulators.
func (g *Grads) Zero() {
	for i := range g.W {
		clearSlice(g.W[i])
		clearSlice(g.B[i])
	}
}

func clearSlice(s []float64) {
	for i := range s {
		s[i] = 0
	}
}

// roundHalf rounds every element through float32, emulating the precision
// loss of a reduced-precision forward pass.
func roundHalf(s []float64) {
	for i, v := range s {
		s[i] = float64(float32(v))
	}
}
