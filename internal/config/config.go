package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/civiceye/civic-eye-api/internal/classifier"
	"github.com/civiceye/civic-eye-api/internal/model"
	"github.com/civiceye/civic-eye-api/internal/preprocess"
)

const envPrefix = "CIVIC"

type Config struct {
	Server ServerConfig       `mapstructure:"server"`
	Model  ModelConfig        `mapstructure:"model"`
	Labels []classifier.Label `mapstructure:"labels"`
	Redis  RedisConfig        `mapstructure:"redis"`
}

type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	Mode          string        `mapstructure:"mode"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MaxUploadSize int64         `mapstructure:"max_upload_size"`
}

type ModelConfig struct {
	Path               string              `mapstructure:"path"`
	RuntimeLibrary     string              `mapstructure:"runtime_library"`
	WeightsPath        string              `mapstructure:"weights_path"`
	InputName          string              `mapstructure:"input_name"`
	OutputName         string              `mapstructure:"output_name"`
	ImageHeight        int                 `mapstructure:"image_height"`
	ImageWidth         int                 `mapstructure:"image_width"`
	MaxPixels          int                 `mapstructure:"max_pixels"`
	DefaultChannels    int                 `mapstructure:"default_channels"`
	Interpolation      string              `mapstructure:"interpolation"`
	OutputActivation   string              `mapstructure:"output_activation"`
	FallbackSeed       int64               `mapstructure:"fallback_seed"`
	SerializeInference bool                `mapstructure:"serialize_inference"`
	Normalization      NormalizationConfig `mapstructure:"normalization"`
}

type NormalizationConfig struct {
	Scheme string    `mapstructure:"scheme"`
	Mean   []float32 `mapstructure:"mean"`
	Std    []float32 `mapstructure:"std"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Load reads configPath (optional), a .env file if present and CIVIC_*
// environment variables, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = append([]classifier.Label(nil), classifier.DefaultLabels...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5000")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.max_upload_size", 10<<20)

	v.SetDefault("model.path", "models/civic_eye_model.onnx")
	v.SetDefault("model.runtime_library", "")
	v.SetDefault("model.weights_path", "models/civic_eye_head.json")
	v.SetDefault("model.input_name", "")
	v.SetDefault("model.output_name", "")
	v.SetDefault("model.image_height", 225)
	v.SetDefault("model.image_width", 225)
	v.SetDefault("model.max_pixels", preprocess.DefaultMaxPixels)
	v.SetDefault("model.default_channels", 3)
	v.SetDefault("model.interpolation", "bicubic")
	v.SetDefault("model.output_activation", string(classifier.ActivationAuto))
	v.SetDefault("model.fallback_seed", 1)
	v.SetDefault("model.serialize_inference", false)
	v.SetDefault("model.normalization.scheme", string(preprocess.SchemeRescale))
	v.SetDefault("model.normalization.mean", preprocess.ImageNetMean[:])
	v.SetDefault("model.normalization.std", preprocess.ImageNetStd[:])

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)
}

// Validate reports configuration defects as model.ErrConfiguration.
func (c *Config) Validate() error {
	if _, err := classifier.NewLabelTable(c.Labels); err != nil {
		return err
	}
	m := c.Model
	if m.ImageHeight <= 0 || m.ImageWidth <= 0 {
		return model.ConfigError("image size must be positive, got %dx%d", m.ImageWidth, m.ImageHeight)
	}
	if m.MaxPixels <= 0 {
		return model.ConfigError("max_pixels must be positive, got %d", m.MaxPixels)
	}
	if m.DefaultChannels != 1 && m.DefaultChannels != 3 {
		return model.ConfigError("default_channels must be 1 or 3, got %d", m.DefaultChannels)
	}
	if _, err := preprocess.Interpolation(m.Interpolation); err != nil {
		return model.ConfigError("%v", err)
	}
	if _, err := c.Normalization(); err != nil {
		return err
	}
	if c.Server.MaxUploadSize <= 0 {
		return model.ConfigError("max_upload_size must be positive")
	}
	return nil
}

func (c *Config) Normalization() (preprocess.Normalization, error) {
	n := c.Model.Normalization
	norm := preprocess.Normalization{Scheme: preprocess.Scheme(n.Scheme)}
	if norm.Scheme == preprocess.SchemeMeanStd {
		if len(n.Mean) != 3 || len(n.Std) != 3 {
			return norm, model.ConfigError("mean_std normalization needs 3 mean and 3 std values")
		}
		copy(norm.Mean[:], n.Mean)
		copy(norm.Std[:], n.Std)
	}
	if err := norm.Validate(); err != nil {
		return norm, model.ConfigError("%v", err)
	}
	return norm, nil
}

func (c *Config) LoadOptions() model.LoadOptions {
	m := c.Model
	return model.LoadOptions{
		ModelPath:       m.Path,
		RuntimeLibrary:  m.RuntimeLibrary,
		WeightsPath:     m.WeightsPath,
		InputName:       m.InputName,
		OutputName:      m.OutputName,
		Height:          m.ImageHeight,
		Width:           m.ImageWidth,
		DefaultChannels: m.DefaultChannels,
		Classes:         len(c.Labels),
		FallbackSeed:    m.FallbackSeed,
	}
}
