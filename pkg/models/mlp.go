package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/HatiCode/fivedreg/pkg/errdefs"
	"github.com/HatiCode/fivedreg/pkg/fileutil"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7

	artifactFormat = "fivedreg-mlp/v1"
)

// MLPConfig holds the hyperparameters of an MLP.
type MLPConfig struct {
	HiddenLayers []int
	LearningRate float64
	BatchSize    int
	MaxEpochs    int

	// Patience is the number of epochs without improvement before training stops.
	// Defaults to 10.
	Patience int

	// Seed drives weight initialization and per-epoch shuffling.
	Seed int64
}

// DefaultMLPConfig returns the hyperparameters used when a field is left unset.
func DefaultMLPConfig() MLPConfig {
	return MLPConfig{
		HiddenLayers: PyramidLayers(64),
		LearningRate: 0.001,
		BatchSize:    32,
		MaxEpochs:    100,
		Patience:     10,
		Seed:         42,
	}
}

// MLP is a feed-forward regressor: dense ReLU hidden layers and a linear output unit,
// trained on mean squared error with the Adam optimizer and early stopping.
//
// It is thread-safe for concurrent Predict calls. Fit builds new weights off to the
// side and swaps them in when done, so predictions keep using the previous weights
// while a fit is in progress.
type MLP struct {
	cfg MLPConfig

	mu       sync.RWMutex
	trained  bool
	inputDim int
	layers   []*dense
}

type dense struct {
	w *mat.Dense // in x out
	b []float64

	// Adam moments.
	mw, vw *mat.Dense
	mb, vb []float64
}

// NewMLP creates an untrained MLP. Zero fields of cfg take their defaults.
func NewMLP(cfg MLPConfig) (*MLP, error) {
	def := DefaultMLPConfig()
	if len(cfg.HiddenLayers) == 0 {
		cfg.HiddenLayers = def.HiddenLayers
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxEpochs == 0 {
		cfg.MaxEpochs = def.MaxEpochs
	}
	if cfg.Patience == 0 {
		cfg.Patience = def.Patience
	}

	if cfg.LearningRate < 0 || math.IsNaN(cfg.LearningRate) {
		return nil, fmt.Errorf("learning rate must be > 0: %w", errdefs.ErrInvalidConfig)
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be > 0: %w", errdefs.ErrInvalidConfig)
	}
	if cfg.MaxEpochs < 0 {
		return nil, fmt.Errorf("epochs must be > 0: %w", errdefs.ErrInvalidConfig)
	}
	if cfg.Patience < 0 {
		return nil, fmt.Errorf("patience must be >= 0: %w", errdefs.ErrInvalidConfig)
	}
	for i, w := range cfg.HiddenLayers {
		if w <= 0 {
			return nil, fmt.Errorf("hidden layer %d has width %d, must be > 0: %w", i, w, errdefs.ErrInvalidConfig)
		}
	}
	cfg.HiddenLayers = append([]int(nil), cfg.HiddenLayers...)

	return &MLP{cfg: cfg}, nil
}

// Name returns the architecture, e.g. "mlp[64-32-16]".
func (m *MLP) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts := make([]string, len(m.cfg.HiddenLayers))
	for i, w := range m.cfg.HiddenLayers {
		parts[i] = strconv.Itoa(w)
	}
	return "mlp[" + strings.Join(parts, "-") + "]"
}

// Trained reports whether the model has weights from Fit or Load.
func (m *MLP) Trained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trained
}

// Fit trains the network from freshly initialized weights.
//
// The training process:
//  1. Holds out the last validationSplit fraction of rows for validation
//  2. Initializes weights (Glorot uniform) from the configured seed
//  3. Runs shuffled mini-batch epochs with Adam updates
//  4. Tracks validation loss (training loss when nothing is held out) and stops
//     after Patience epochs without improvement
//  5. Restores the weights of the best epoch
//
// Returns error if:
//   - Context is cancelled
//   - X is empty, ragged or does not match y
//   - The loss becomes NaN or infinite
func (m *MLP) Fit(ctx context.Context, X [][]float64, y []float64, validationSplit float64, progress ProgressFunc) (History, error) {
	if len(X) == 0 {
		return History{}, fmt.Errorf("fit on empty feature matrix: %w", errdefs.ErrShape)
	}
	if len(X) != len(y) {
		return History{}, fmt.Errorf("features have %d rows but targets have %d: %w", len(X), len(y), errdefs.ErrShape)
	}
	if validationSplit < 0 || validationSplit >= 1 {
		return History{}, fmt.Errorf("validation split must be in [0, 1), got %v: %w", validationSplit, errdefs.ErrInvalidConfig)
	}

	inputDim := len(X[0])
	xAll, err := toDense(X, inputDim)
	if err != nil {
		return History{}, err
	}

	n := len(y)
	nTrain := int(float64(n) * (1 - validationSplit))
	if nTrain == 0 {
		return History{}, fmt.Errorf("validation split %v leaves no training rows out of %d: %w", validationSplit, n, errdefs.ErrShape)
	}
	xTrain := xAll.Slice(0, nTrain, 0, inputDim).(*mat.Dense)
	yTrain := y[:nTrain]
	var (
		xVal *mat.Dense
		yVal []float64
	)
	if nTrain < n {
		xVal = xAll.Slice(nTrain, n, 0, inputDim).(*mat.Dense)
		yVal = y[nTrain:]
	}

	cfg := m.config()
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x5851f42d4c957f2d))
	layers := initLayers(inputDim, cfg.HiddenLayers, rng)

	batch := cfg.BatchSize
	if batch > nTrain {
		batch = nTrain
	}

	var (
		hist     History
		best     = math.Inf(1)
		bestSnap = snapshot(layers)
		wait     int
		step     int
		order    = make([]int, nTrain)
		batchX   = mat.NewDense(batch, inputDim, nil)
		batchY   = make([]float64, batch)
	)
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= cfg.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return History{}, err
		}

		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var sse float64
		for start := 0; start < nTrain; start += batch {
			end := min(start+batch, nTrain)
			size := end - start

			bx := batchX.Slice(0, size, 0, inputDim).(*mat.Dense)
			by := batchY[:size]
			for r, idx := range order[start:end] {
				bx.SetRow(r, xTrain.RawRowView(idx))
				by[r] = yTrain[idx]
			}

			step++
			sse += trainStep(layers, bx, by, cfg.LearningRate, step)
		}
		loss := sse / float64(nTrain)

		valLoss := math.NaN()
		monitor := loss
		if xVal != nil {
			valLoss = mse(forward(layers, xVal, nil), yVal)
			monitor = valLoss
		}

		if math.IsNaN(loss) || math.IsInf(loss, 0) || math.IsInf(valLoss, 0) || (xVal != nil && math.IsNaN(valLoss)) {
			return History{}, fmt.Errorf("training diverged at epoch %d: loss=%v val_loss=%v", epoch, loss, valLoss)
		}

		hist.Loss = append(hist.Loss, loss)
		if xVal != nil {
			hist.ValLoss = append(hist.ValLoss, valLoss)
		}
		if progress != nil {
			progress(epoch, loss, valLoss)
		}

		if monitor < best {
			best = monitor
			bestSnap = snapshot(layers)
			hist.BestEpoch = epoch
			wait = 0
		} else {
			wait++
			if wait >= cfg.Patience {
				hist.StoppedEarly = epoch < cfg.MaxEpochs
				break
			}
		}
	}

	if hist.BestEpoch > 0 {
		restore(layers, bestSnap)
	}

	m.mu.Lock()
	m.layers = layers
	m.inputDim = inputDim
	m.trained = true
	m.mu.Unlock()

	return hist, nil
}

// Predict runs a forward pass over X.
func (m *MLP) Predict(ctx context.Context, X [][]float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, errdefs.ErrNotTrained
	}
	if len(X) == 0 {
		return []float64{}, nil
	}

	x, err := toDense(X, m.inputDim)
	if err != nil {
		return nil, err
	}

	out := forward(m.layers, x, nil)
	return mat.Col(nil, 0, out), nil
}

type artifact struct {
	Format       string          `json:"format"`
	InputDim     int             `json:"inputDim"`
	HiddenLayers []int           `json:"hiddenLayers"`
	Layers       []layerArtifact `json:"layers"`
}

type layerArtifact struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

// Save writes the architecture and weights to path as JSON. The write is atomic.
func (m *MLP) Save(path string) error {
	m.mu.RLock()
	if !m.trained {
		m.mu.RUnlock()
		return errdefs.ErrNotTrained
	}
	a := artifact{
		Format:       artifactFormat,
		InputDim:     m.inputDim,
		HiddenLayers: append([]int(nil), m.cfg.HiddenLayers...),
		Layers:       make([]layerArtifact, len(m.layers)),
	}
	for i, l := range m.layers {
		r, c := l.w.Dims()
		a.Layers[i] = layerArtifact{
			In:      r,
			Out:     c,
			Weights: mat.DenseCopyOf(l.w).RawMatrix().Data,
			Bias:    append([]float64(nil), l.b...),
		}
	}
	m.mu.RUnlock()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal model artifact: %w", err)
	}
	return fileutil.WriteAtomic(path, data)
}

// Load replaces the model with the artifact at path. The hidden layer widths of the
// artifact take precedence over the configured ones.
func (m *MLP) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("model artifact %s: %w", path, errdefs.ErrNotFound)
		}
		return fmt.Errorf("read model artifact: %w", err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode model artifact %s: %w", path, err)
	}
	if a.Format != artifactFormat {
		return fmt.Errorf("model artifact %s has format %q, want %q", path, a.Format, artifactFormat)
	}
	if len(a.Layers) != len(a.HiddenLayers)+1 {
		return fmt.Errorf("model artifact %s has %d layers for %d hidden widths", path, len(a.Layers), len(a.HiddenLayers))
	}

	layers := make([]*dense, len(a.Layers))
	in := a.InputDim
	for i, la := range a.Layers {
		if la.In != in || len(la.Weights) != la.In*la.Out || len(la.Bias) != la.Out {
			return fmt.Errorf("model artifact %s: layer %d is inconsistent: %w", path, i, errdefs.ErrShape)
		}
		if i < len(a.HiddenLayers) && la.Out != a.HiddenLayers[i] {
			return fmt.Errorf("model artifact %s: layer %d width %d does not match %d: %w", path, i, la.Out, a.HiddenLayers[i], errdefs.ErrShape)
		}
		layers[i] = newDense(mat.NewDense(la.In, la.Out, la.Weights), la.Bias)
		in = la.Out
	}
	if in != 1 {
		return fmt.Errorf("model artifact %s: output width %d, want 1: %w", path, in, errdefs.ErrShape)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.HiddenLayers = a.HiddenLayers
	m.inputDim = a.InputDim
	m.layers = layers
	m.trained = true
	return nil
}

func (m *MLP) config() MLPConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func newDense(w *mat.Dense, b []float64) *dense {
	r, c := w.Dims()
	return &dense{
		w:  w,
		b:  b,
		mw: mat.NewDense(r, c, nil),
		vw: mat.NewDense(r, c, nil),
		mb: make([]float64, c),
		vb: make([]float64, c),
	}
}

// initLayers builds Glorot-uniform initialized layers with zero biases.
func initLayers(inputDim int, hidden []int, rng *rand.Rand) []*dense {
	widths := append(append([]int{inputDim}, hidden...), 1)
	layers := make([]*dense, len(widths)-1)
	for i := range layers {
		in, out := widths[i], widths[i+1]
		limit := math.Sqrt(6 / float64(in+out))
		data := make([]float64, in*out)
		for k := range data {
			data[k] = (rng.Float64()*2 - 1) * limit
		}
		layers[i] = newDense(mat.NewDense(in, out, data), make([]float64, out))
	}
	return layers
}

// forward computes the network output for x. When cache is non-nil it receives the
// pre-activation of every layer, used by backprop.
func forward(layers []*dense, x *mat.Dense, cache *[]*mat.Dense) *mat.Dense {
	a := x
	rows, _ := x.Dims()
	last := len(layers) - 1
	for i, l := range layers {
		_, out := l.w.Dims()
		z := mat.NewDense(rows, out, nil)
		z.Mul(a, l.w)
		b := l.b
		z.Apply(func(_, j int, v float64) float64 { return v + b[j] }, z)
		if cache != nil {
			*cache = append(*cache, z)
		}
		if i == last {
			return z
		}
		act := mat.NewDense(rows, out, nil)
		act.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z)
		a = act
	}
	return a
}

// trainStep runs one forward/backward pass over a batch and applies the Adam update.
// It returns the batch sum of squared errors measured before the update.
func trainStep(layers []*dense, x *mat.Dense, y []float64, lr float64, step int) float64 {
	rows, _ := x.Dims()

	var pre []*mat.Dense
	out := forward(layers, x, &pre)

	sse := 0.0
	delta := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		diff := out.At(i, 0) - y[i]
		sse += diff * diff
		delta.Set(i, 0, 2*diff/float64(rows))
	}

	gradW := make([]*mat.Dense, len(layers))
	gradB := make([][]float64, len(layers))
	for li := len(layers) - 1; li >= 0; li-- {
		var input mat.Matrix = x
		if li > 0 {
			input = relu(pre[li-1])
		}
		r, c := layers[li].w.Dims()
		gw := mat.NewDense(r, c, nil)
		gw.Mul(input.T(), delta)
		gradW[li] = gw

		gb := make([]float64, c)
		for j := 0; j < c; j++ {
			gb[j] = floats.Sum(mat.Col(nil, j, delta))
		}
		gradB[li] = gb

		if li > 0 {
			prev := mat.NewDense(rows, r, nil)
			prev.Mul(delta, layers[li].w.T())
			z := pre[li-1]
			prev.Apply(func(i, j int, v float64) float64 {
				if z.At(i, j) <= 0 {
					return 0
				}
				return v
			}, prev)
			delta = prev
		}
	}

	t := float64(step)
	lrT := lr * math.Sqrt(1-math.Pow(adamBeta2, t)) / (1 - math.Pow(adamBeta1, t))
	for li, l := range layers {
		adamMatrix(l.w, l.mw, l.vw, gradW[li], lrT)
		adamVector(l.b, l.mb, l.vb, gradB[li], lrT)
	}
	return sse
}

func adamMatrix(w, m, v, g *mat.Dense, lrT float64) {
	r, c := w.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			gij := g.At(i, j)
			mij := adamBeta1*m.At(i, j) + (1-adamBeta1)*gij
			vij := adamBeta2*v.At(i, j) + (1-adamBeta2)*gij*gij
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			w.Set(i, j, w.At(i, j)-lrT*mij/(math.Sqrt(vij)+adamEpsilon))
		}
	}
}

func adamVector(w, m, v, g []float64, lrT float64) {
	for i := range w {
		m[i] = adamBeta1*m[i] + (1-adamBeta1)*g[i]
		v[i] = adamBeta2*v[i] + (1-adamBeta2)*g[i]*g[i]
		w[i] -= lrT * m[i] / (math.Sqrt(v[i]) + adamEpsilon)
	}
}

func relu(z *mat.Dense) *mat.Dense {
	r, c := z.Dims()
	a := mat.NewDense(r, c, nil)
	a.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z)
	return a
}

func mse(out *mat.Dense, y []float64) float64 {
	var sum float64
	for i, target := range y {
		d := out.At(i, 0) - target
		sum += d * d
	}
	return sum / float64(len(y))
}

type layerSnapshot struct {
	w *mat.Dense
	b []float64
}

func snapshot(layers []*dense) []layerSnapshot {
	s := make([]layerSnapshot, len(layers))
	for i, l := range layers {
		s[i] = layerSnapshot{w: mat.DenseCopyOf(l.w), b: append([]float64(nil), l.b...)}
	}
	return s
}

func restore(layers []*dense, s []layerSnapshot) {
	for i, l := range layers {
		l.w.Copy(s[i].w)
		copy(l.b, s[i].b)
	}
}

func toDense(X [][]float64, width int) (*mat.Dense, error) {
	if width == 0 {
		return nil, fmt.Errorf("zero-width features: %w", errdefs.ErrShape)
	}
	data := make([]float64, 0, len(X)*width)
	for i, row := range X {
		if len(row) != width {
			return nil, fmt.Errorf("expected %d features, got %d (row %d): %w", width, len(row), i, errdefs.ErrShape)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(X), width, data), nil
}
