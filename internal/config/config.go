package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/WendelHime/segswarm/internal/logic"
	"github.com/WendelHime/segswarm/internal/shared/models"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	ModeLocal = "local"
	ModeTCP   = "tcp"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Limits   models.Limits        `yaml:"limits"`
	Download logic.DownloadConfig `yaml:"download"`
	Network  Network              `yaml:"network"`
	Storage  Storage              `yaml:"storage"`
	Log      Log                  `yaml:"log"`
}

type Network struct {
	Mode string `yaml:"mode" validate:"oneof=local tcp"`
	// Peers is the number of peers started in local mode.
	Peers int `yaml:"peers" validate:"min=1"`
	// Addresses lists the TCP listen address of every rank, tracker first.
	Addresses []string `yaml:"addresses" validate:"dive,hostname_port"`
}

type Storage struct {
	InputDir  string `yaml:"inputDir" validate:"required"`
	OutputDir string `yaml:"outputDir" validate:"required"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

func Default() Config {
	return Config{
		Limits:   models.DefaultLimits(),
		Download: logic.DefaultDownloadConfig(),
		Network:  Network{Mode: ModeLocal, Peers: 2},
		Storage:  Storage{InputDir: ".", OutputDir: "."},
		Log:      Log{Level: "info", Format: "json"},
	}
}

// Load reads YAML over the defaults. An empty document keeps them.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrap(err, "failed to parse config")
	}
	return cfg, nil
}

func LoadFile(fs afero.Fs, path string) (Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to open config '%s'", path)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks field constraints and the rules spanning several sections.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%s", err)
	}
	switch c.Network.Mode {
	case ModeLocal:
		if c.Network.Peers+1 > c.Limits.MaxPeers {
			return errors.Wrapf(ErrInvalidConfig, "%d peers exceed the limit of %d nodes", c.Network.Peers, c.Limits.MaxPeers)
		}
	case ModeTCP:
		if len(c.Network.Addresses) < 2 {
			return errors.Wrap(ErrInvalidConfig, "tcp mode needs the tracker address and at least one peer address")
		}
		if len(c.Network.Addresses) > c.Limits.MaxPeers {
			return errors.Wrapf(ErrInvalidConfig, "%d addresses exceed the limit of %d nodes", len(c.Network.Addresses), c.Limits.MaxPeers)
		}
	}
	return nil
}

// Nodes is the size of the swarm including the tracker.
func (c Config) Nodes() int {
	if c.Network.Mode == ModeTCP {
		return len(c.Network.Addresses)
	}
	return c.Network.Peers + 1
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
