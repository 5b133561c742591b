package scheduler

import (
	"time"

	"github.com/janelia-flyem/slicecube/codec"
	"github.com/janelia-flyem/slicecube/downsample"
	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/imgsrc"
	"github.com/janelia-flyem/slicecube/slicecache"
	"github.com/janelia-flyem/slicecube/tilecache"
)

const (
	DefaultSweepWorkers   = 2
	DefaultMaxSuggested   = 4096
	DefaultSyncInterval   = 2 * time.Second
	DefaultExportInterval = 24 * time.Hour
	DefaultFlushInterval  = 36 * time.Hour
	DefaultTileCacheBytes = 2 * dvid.Giga
)

// File names inside the state directory.
const (
	LogFile        = "state.log"
	DownsampleFile = "downsample.cache"
	PartialDir     = "partial"
)

// Config holds the tunables of a scheduler.  Zero values get defaults.
type Config struct {
	StateDir string // holds the downsample cache and partial job checkpoints

	IOWorkers    int // concurrent slice reads
	CPUWorkers   int // concurrent compressions
	JobBudget    int // cube jobs loading at once; suggested jobs get half
	SweepWorkers int // concurrent background slice conversions or folds
	MaxSuggested int // per suggested queue; the oldest are forgotten beyond this

	TileCache tilecache.Config

	TiledDir      string // converted slice copies; empty disables conversion
	TiledTileSize int32
	SourceTile    int32 // tile edge used to address whole-image slices
	HandleHigh    int
	HandleLow     int
	Opener        imgsrc.Opener

	CellSize int32 // downsample visited bitmap cell

	SyncInterval   time.Duration
	ExportInterval time.Duration
	FlushInterval  time.Duration

	NoSweep          bool
	CompressionLevel int
	Encoder          codec.Encoder
}

func (c *Config) setDefaults() {
	if c.IOWorkers <= 0 {
		c.IOWorkers = dvid.NumCPU * 2
	}
	if c.CPUWorkers <= 0 {
		c.CPUWorkers = dvid.NumCPU
	}
	if c.JobBudget <= 0 {
		c.JobBudget = c.IOWorkers
	}
	if c.SweepWorkers <= 0 {
		c.SweepWorkers = DefaultSweepWorkers
	}
	if c.MaxSuggested <= 0 {
		c.MaxSuggested = DefaultMaxSuggested
	}
	if c.TileCache.MaxBytes <= 0 {
		c.TileCache.MaxBytes = DefaultTileCacheBytes
	}
	if c.TiledTileSize <= 0 {
		c.TiledTileSize = slicecache.DefaultTileSize
	}
	if c.SourceTile <= 0 {
		c.SourceTile = imgsrc.DefaultSourceTile
	}
	if c.Opener == nil {
		c.Opener = imgsrc.FileOpener{SourceTile: c.SourceTile}
	}
	if c.CellSize <= 0 {
		c.CellSize = downsample.DefaultCellSize
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = DefaultExportInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
}

// suggestedBudget is the number of suggested jobs allowed to load at once.
func (c *Config) suggestedBudget() int {
	return max(1, c.JobBudget/2)
}
