package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShapeString(t *testing.T) {
	require.Equal(t, "(1, 225, 225, 3)", NewShape(1, 225, 225, 3).String())
	require.Equal(t, "(4,)", NewShape(4).String())
	require.Equal(t, 3, NewShape(1, 8, 8, 3).Channels())
	require.Equal(t, 0, NewShape(1, 8, 8, -1).Channels())
	require.Equal(t, 0, NewShape(1, 3).Channels())
}

func TestSoftmaxSumsToOne(t *testing.T) {
	out := Softmax([]float32{1, 2, 3, 1000})
	var sum float32
	for _, v := range out {
		require.GreaterOrEqual(t, v, float32(0))
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-5)
	require.Empty(t, Softmax(nil))
}

func TestFallbackHeadInfer(t *testing.T) {
	head, err := NewFallbackHead(3, 4, 4, 16, 16, 1)
	require.NoError(t, err)
	require.Equal(t, NewShape(1, 16, 16, 3), head.InputShape())
	require.Equal(t, 4, head.OutputDim())

	in := NewTensor(head.InputShape())
	for i := range in.Data {
		in.Data[i] = float32(i%7) / 7
	}
	scores, err := head.Infer(in)
	require.NoError(t, err)
	require.Len(t, scores, 4)

	var sum float32
	for _, v := range scores {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-3)
}

func TestHeadRejectsWrongShape(t *testing.T) {
	head, err := NewFallbackHead(3, 4, 4, 16, 16, 1)
	require.NoError(t, err)

	_, err = head.Infer(NewTensor(NewShape(1, 16, 16, 1)))
	require.ErrorIs(t, err, ErrShapeMismatch)
	require.Equal(t, "shape_mismatch", ErrorKind(err))
}

func TestNewHeadNetworkValidates(t *testing.T) {
	_, err := NewHeadNetwork(HeadWeights{InputChannels: 2, Grid: 1, Classes: 1}, 8, 8)
	require.Error(t, err)

	_, err = NewHeadNetwork(HeadWeights{
		InputChannels: 1, Grid: 2, Classes: 2,
		Weights: [][]float32{{1, 2, 3, 4}, {1}},
		Bias:    []float32{0, 0},
	}, 8, 8)
	require.Error(t, err)
}

func writeWeights(t *testing.T, w HeadWeights) string {
	t.Helper()
	data, err := json.Marshal(w)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "head.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func grayHead(classes int) HeadWeights {
	w := HeadWeights{InputChannels: 1, Grid: 1, Classes: classes,
		Weights: make([][]float32, classes), Bias: make([]float32, classes)}
	for i := range w.Weights {
		w.Weights[i] = []float32{float32(i)}
	}
	return w
}

func TestLoadFallsBackWhenArtifactMissing(t *testing.T) {
	loaded, err := Load(LoadOptions{
		ModelPath: filepath.Join(t.TempDir(), "missing.onnx"),
		Height:    8, Width: 8,
		Classes: 4,
	})
	require.NoError(t, err)
	defer loaded.Close()

	require.False(t, loaded.LoadedOK)
	require.Equal(t, SourceFallback, loaded.Source)
	require.Equal(t, 3, loaded.Channels)
	require.Equal(t, 4, loaded.Network.OutputDim())
	require.Len(t, loaded.Failures, 2)
}

func TestLoadRecoversFromHeadWeights(t *testing.T) {
	loaded, err := Load(LoadOptions{
		WeightsPath: writeWeights(t, grayHead(4)),
		Height:      8, Width: 8,
		Classes: 4,
	})
	require.NoError(t, err)

	require.True(t, loaded.LoadedOK)
	require.Equal(t, SourceWeights, loaded.Source)
	require.Equal(t, 1, loaded.Channels)
	require.Equal(t, NewShape(1, 8, 8, 1), loaded.Network.InputShape())
}

func TestLoadFallbackKeepsChannelsFromBrokenWeights(t *testing.T) {
	w := grayHead(4)
	w.Bias = w.Bias[:2]

	loaded, err := Load(LoadOptions{
		WeightsPath: writeWeights(t, w),
		Height:      8, Width: 8,
		Classes: 4,
	})
	require.NoError(t, err)

	require.False(t, loaded.LoadedOK)
	require.Equal(t, 1, loaded.Channels)
	require.Equal(t, NewShape(1, 8, 8, 1), loaded.Network.InputShape())
}

func TestLoadWithoutClassesIsConfigurationError(t *testing.T) {
	_, err := Load(LoadOptions{Height: 8, Width: 8})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestResolveOutputShape(t *testing.T) {
	out, err := resolveOutputShape(NewShape(-1, -1), 4)
	require.NoError(t, err)
	require.Equal(t, NewShape(1, 4), out)

	_, err = resolveOutputShape(nil, 4)
	require.Error(t, err)
}

func TestCheckDeclaredInput(t *testing.T) {
	require.NoError(t, checkDeclaredInput(NewShape(1, 225, 225, 3), 225, 225))
	require.NoError(t, checkDeclaredInput(NewShape(-1, -1, -1, 1), 225, 225))

	err := checkDeclaredInput(NewShape(1, 224, 224, 3), 225, 225)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConfiguration)
	require.Contains(t, err.Error(), "(1, 224, 224, 3)")

	require.Error(t, checkDeclaredInput(NewShape(1, 3, 225, 225, 1), 225, 225))
}
