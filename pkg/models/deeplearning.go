package models

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// ConvLayer is a single-input-channel 1D convolution.
type ConvLayer struct {
	OutChannels int         `json:"out_channels"`
	KernelSize  int         `json:"kernel_size"`
	Stride      int         `json:"stride"`
	Weight      [][]float64 `json:"weight"` // [out_channels][kernel_size]
	Bias        []float64   `json:"bias"`
}

// outputs returns the number of positions per channel for an input of
// length n.
func (c ConvLayer) outputs(n int) int {
	return (n-c.KernelSize)/c.Stride + 1
}

func (c ConvLayer) validate(n int) error {
	if c.OutChannels < 1 || c.KernelSize < 1 || c.Stride < 1 {
		return fmt.Errorf("conv shape (channels %d, kernel %d, stride %d) must be positive", c.OutChannels, c.KernelSize, c.Stride)
	}
	if c.KernelSize > n {
		return fmt.Errorf("conv kernel %d is wider than the %d inputs", c.KernelSize, n)
	}
	if len(c.Weight) != c.OutChannels || len(c.Bias) != c.OutChannels {
		return fmt.Errorf("conv has %d weight rows and %d biases for %d channels", len(c.Weight), len(c.Bias), c.OutChannels)
	}
	for i, w := range c.Weight {
		if len(w) != c.KernelSize {
			return fmt.Errorf("conv channel %d has %d weights, want %d", i, len(w), c.KernelSize)
		}
	}
	return nil
}

// DenseLayer is a fully connected layer; Weight is [out][in].
type DenseLayer struct {
	Weight [][]float64 `json:"weight"`
	Bias   []float64   `json:"bias"`
}

// DeepLearningParams is the exported convolutional network:
//
//	conv1d(1→C) → ReLU → dense → ReLU → ... → dense
//
// The conv output is flattened channel-major before the first dense layer.
type DeepLearningParams struct {
	Conv        ConvLayer    `json:"conv"`
	Dense       []DenseLayer `json:"dense"`
	OutputIndex int          `json:"output_index"`
}

// DeepLearning runs the network on a whole batch with one matrix product
// per layer.
type DeepLearning struct {
	schema []string
	scaler *Scaler
	output int

	conv     *mat.Dense // inputs × (channels*positions)
	convBias []float64
	weights  []*mat.Dense // transposed dense weights, in × out
	biases   [][]float64
}

// NewDeepLearning validates the layer shapes against the schema width and
// precomputes the layer matrices.
func NewDeepLearning(schema []string, params DeepLearningParams, scaler *Scaler) (*DeepLearning, error) {
	n := len(schema)
	if err := params.Conv.validate(n); err != nil {
		return nil, err
	}
	if len(params.Dense) == 0 {
		return nil, errors.New("network has no dense layers")
	}
	if err := scaler.validate(n); err != nil {
		return nil, err
	}

	c := params.Conv
	positions := c.outputs(n)
	width := c.OutChannels * positions

	conv := mat.NewDense(n, width, nil)
	convBias := make([]float64, width)
	for ch := 0; ch < c.OutChannels; ch++ {
		for p := 0; p < positions; p++ {
			col := ch*positions + p
			convBias[col] = c.Bias[ch]
			for k := 0; k < c.KernelSize; k++ {
				conv.Set(p*c.Stride+k, col, c.Weight[ch][k])
			}
		}
	}

	dl := &DeepLearning{schema: schema, scaler: scaler, conv: conv, convBias: convBias}
	in := width
	for i, layer := range params.Dense {
		out := len(layer.Weight)
		if out == 0 || len(layer.Bias) != out {
			return nil, fmt.Errorf("dense layer %d has %d rows and %d biases", i, out, len(layer.Bias))
		}
		w := mat.NewDense(in, out, nil)
		for o, row := range layer.Weight {
			if len(row) != in {
				return nil, fmt.Errorf("dense layer %d expects %d inputs, previous layer yields %d", i, len(row), in)
			}
			for j, v := range row {
				w.Set(j, o, v)
			}
		}
		dl.weights = append(dl.weights, w)
		dl.biases = append(dl.biases, layer.Bias)
		in = out
	}

	if params.OutputIndex < 0 || params.OutputIndex >= in {
		return nil, fmt.Errorf("output index %d out of range for %d outputs", params.OutputIndex, in)
	}
	dl.output = params.OutputIndex
	return dl, nil
}

// Kind reports dataset.DeepLearning.
func (d *DeepLearning) Kind() dataset.ModelKind { return dataset.DeepLearning }

// Schema returns a copy of the feature names the network was trained on.
func (d *DeepLearning) Schema() []string { return append([]string(nil), d.schema...) }

// Scale standardises rows with the scaler stored in the artifact.
func (d *DeepLearning) Scale(rows [][]float64) ([][]float64, error) {
	return d.scaler.Transform(rows)
}

// Infer runs the network forward over every scaled row and returns the
// outputs in usage units.
func (d *DeepLearning) Infer(ctx context.Context, scaled [][]float64) ([]float64, error) {
	if err := checkRows(scaled, len(d.schema)); err != nil {
		return nil, err
	}
	if len(scaled) == 0 {
		return []float64{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data := make([]float64, 0, len(scaled)*len(d.schema))
	for _, r := range scaled {
		data = append(data, r...)
	}
	x := mat.NewDense(len(scaled), len(d.schema), data)

	h := new(mat.Dense)
	h.Mul(x, d.conv)
	addBias(h, d.convBias, true)

	last := len(d.weights) - 1
	for i, w := range d.weights {
		next := new(mat.Dense)
		next.Mul(h, w)
		addBias(next, d.biases[i], i != last)
		h = next
	}

	out := mat.Col(nil, d.output, h)
	d.scaler.InverseTarget(out)
	return out, nil
}

// addBias adds bias to every row of m, optionally followed by ReLU.
func addBias(m *mat.Dense, bias []float64, relu bool) {
	m.Apply(func(_, j int, v float64) float64 {
		v += bias[j]
		if relu && v < 0 {
			return 0
		}
		return v
	}, m)
}
