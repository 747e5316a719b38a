package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/civiceye/civic-eye-api/internal/classifier"
	"github.com/civiceye/civic-eye-api/internal/model"
	"github.com/civiceye/civic-eye-api/internal/preprocess"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, "5000", cfg.Server.Port)
	require.Equal(t, 225, cfg.Model.ImageHeight)
	require.Equal(t, 225, cfg.Model.ImageWidth)
	require.Equal(t, 3, cfg.Model.DefaultChannels)
	require.Equal(t, preprocess.DefaultMaxPixels, cfg.Model.MaxPixels)
	require.Equal(t, "rescale", cfg.Model.Normalization.Scheme)
	require.Equal(t, []classifier.Label(classifier.DefaultLabels), cfg.Labels)
	require.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	require.False(t, cfg.Redis.Enabled)

	opts := cfg.LoadOptions()
	require.Equal(t, 4, opts.Classes)
	require.Equal(t, "models/civic_eye_model.onnx", opts.ModelPath)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "8080"
  mode: release
  read_timeout: 5s
model:
  image_height: 224
  image_width: 224
  default_channels: 1
  interpolation: lanczos3
  normalization:
    scheme: mean_std
    mean: [0.5, 0.5, 0.5]
    std: [0.25, 0.25, 0.25]
labels:
  - name: garbage
    department: Sanitation
  - name: pothole
    department: Roads
redis:
  enabled: true
  ttl: 1h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, "release", cfg.Server.Mode)
	require.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	require.Equal(t, 224, cfg.Model.ImageHeight)
	require.Equal(t, 1, cfg.Model.DefaultChannels)
	require.Equal(t, []classifier.Label{
		{Name: "garbage", Department: "Sanitation"},
		{Name: "pothole", Department: "Roads"},
	}, cfg.Labels)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, time.Hour, cfg.Redis.TTL)

	norm, err := cfg.Normalization()
	require.NoError(t, err)
	require.Equal(t, preprocess.SchemeMeanStd, norm.Scheme)
	require.Equal(t, [3]float32{0.5, 0.5, 0.5}, norm.Mean)
	require.Equal(t, [3]float32{0.25, 0.25, 0.25}, norm.Std)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"8080\"\n")
	t.Setenv("CIVIC_SERVER_PORT", "9090")
	t.Setenv("CIVIC_MODEL_PATH", "/srv/model.onnx")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, "/srv/model.onnx", cfg.Model.Path)
}

func TestInvalidConfigurationIsRejected(t *testing.T) {
	cases := map[string]string{
		"channels":      "model:\n  default_channels: 4\n",
		"size":          "model:\n  image_height: 0\n",
		"scheme":        "model:\n  normalization:\n    scheme: zscore\n",
		"short mean":    "model:\n  normalization:\n    scheme: mean_std\n    mean: [0.5]\n",
		"interpolation": "model:\n  interpolation: spline\n",
		"department":    "labels:\n  - name: garbage\n",
		"max pixels":    "model:\n  max_pixels: 0\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.ErrorIs(t, err, model.ErrConfiguration, name)
	}
}

func TestMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	require.Error(t, err)
}
