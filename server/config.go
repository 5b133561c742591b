package server

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	humanize "github.com/dustin/go-humanize"

	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/remote"
	"github.com/janelia-flyem/slicecube/scheduler"
	"github.com/janelia-flyem/slicecube/tilecache"
)

// Config is the parsed TOML configuration of a resume run.  Every setting is optional.
type Config struct {
	Logging  dvid.LogConfig
	Remote   remoteConfig
	Kafka    remote.KafkaConfig
	Workers  workersConfig
	Cache    cacheConfig
	Schedule scheduleConfig
	Status   StatusConfig

	location string
}

type remoteConfig struct {
	URL    string // http(s) server, or file:// or gs:// bucket
	Group  string
	Secret string
}

type workersConfig struct {
	IO    int
	CPU   int
	Jobs  int
	Sweep int
}

type cacheConfig struct {
	TileBytes     byteSize `toml:"tile_bytes"`
	TileLowBytes  byteSize `toml:"tile_low_bytes"`
	SpillBytes    byteSize `toml:"spill_bytes"`
	TiledDir      string   `toml:"tiled_dir"`
	TiledTileSize int32    `toml:"tiled_tile_size"`
	SourceTile    int32    `toml:"source_tile"`
	MaxHandles    int      `toml:"max_handles"`
	MinHandles    int      `toml:"min_handles"`
	CellSize      int32    `toml:"cell_size"`
}

type scheduleConfig struct {
	Sync         duration
	Export       duration
	Flush        duration
	NoSweep      bool `toml:"no_sweep"`
	MaxSuggested int  `toml:"max_suggested"`
	Compression  int
}

// duration is a TOML string like "2s" or "36h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// byteSize is a TOML integer of bytes or a string like "2 GiB".
type byteSize int64

func (b *byteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = byteSize(n)
	return nil
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error

	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = dvid.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("Error converting logfile setting to absolute path")
		}
	}

	// [cache].tiled_dir
	if c.Cache.TiledDir != "" {
		c.Cache.TiledDir, err = dvid.ConvertToAbsolute(c.Cache.TiledDir, configDir)
		if err != nil {
			return fmt.Errorf("Error converting tiled_dir setting to absolute path")
		}
	}

	// [remote].url for local buckets
	if rest, found := strings.CutPrefix(c.Remote.URL, "file://"); found && !filepath.IsAbs(rest) {
		abs, err := dvid.ConvertToAbsolute(rest, configDir)
		if err != nil {
			return fmt.Errorf("Error converting remote url %q to absolute path", c.Remote.URL)
		}
		c.Remote.URL = "file://" + abs
	}
	return nil
}

// LoadConfig loads the configuration from a TOML file.  An empty filename returns
// the default configuration.
func LoadConfig(filename string) (*Config, error) {
	c := new(Config)
	if filename == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.location = filename
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	dvid.Infof("tomlConfig: %+v\n", *c)
	return c, nil
}

// Location returns the file the configuration was read from.
func (c *Config) Location() string {
	return c.location
}

// SchedulerConfig returns the scheduler settings for a state directory.  Unset values
// are left to the scheduler defaults.
func (c *Config) SchedulerConfig(stateDir string) scheduler.Config {
	return scheduler.Config{
		StateDir:     stateDir,
		IOWorkers:    c.Workers.IO,
		CPUWorkers:   c.Workers.CPU,
		JobBudget:    c.Workers.Jobs,
		SweepWorkers: c.Workers.Sweep,
		MaxSuggested: c.Schedule.MaxSuggested,
		TileCache: tilecache.Config{
			MaxBytes:   int64(c.Cache.TileBytes),
			LowBytes:   int64(c.Cache.TileLowBytes),
			SpillBytes: int(c.Cache.SpillBytes),
		},
		TiledDir:         c.Cache.TiledDir,
		TiledTileSize:    c.Cache.TiledTileSize,
		SourceTile:       c.Cache.SourceTile,
		HandleHigh:       c.Cache.MaxHandles,
		HandleLow:        c.Cache.MinHandles,
		CellSize:         c.Cache.CellSize,
		SyncInterval:     c.Schedule.Sync.Duration,
		ExportInterval:   c.Schedule.Export.Duration,
		FlushInterval:    c.Schedule.Flush.Duration,
		NoSweep:          c.Schedule.NoSweep,
		CompressionLevel: c.Schedule.Compression,
	}
}

// Client opens the remote client named by the [remote] and [kafka] sections.  The
// returned closer, if not nil, must be closed after the last upload.
func (c *Config) Client(ctx context.Context) (remote.Client, io.Closer, error) {
	url := c.Remote.URL
	if url == "" {
		return nil, nil, fmt.Errorf("no remote url configured")
	}
	var client remote.Client
	var closers multiCloser
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		secret := c.Remote.Secret
		if secret == "" {
			secret = remote.NewSecret()
		}
		hc, err := remote.NewHTTP(url, c.Remote.Group, secret)
		if err != nil {
			return nil, nil, err
		}
		client = hc
	default:
		bc, err := remote.NewBlob(ctx, url, c.Remote.Group)
		if err != nil {
			return nil, nil, err
		}
		client = bc
		closers = append(closers, bc)
	}
	wrapped, err := remote.WithKafka(client, c.Kafka)
	if err != nil {
		closers.Close()
		return nil, nil, fmt.Errorf("unable to connect to kafka: %v", err)
	}
	if n, ok := wrapped.(*remote.Notifier); ok {
		closers = append([]io.Closer{n}, closers...)
	}
	return wrapped, closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
