package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janelia-flyem/slicecube/remote"
	"github.com/janelia-flyem/slicecube/scheduler"
)

const testConfigTOML = `
[logging]
logfile = "logs/slicecube.log"
max_log_size = 500
max_log_age = 30

[remote]
url = "file://bucket"
group = "fly"

[workers]
io = 12
cpu = 3

[cache]
tile_bytes = "512 MiB"
spill_bytes = 1048576
tiled_dir = "tiled"
cell_size = 64

[schedule]
sync = "500ms"
export = "12h"
no_sweep = true

[status]
address = "localhost:0"
cors_origins = ["http://example.org"]
`

func writeConfig(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.Mkdir(filepath.Join(dir, "bucket"), 0755); err != nil {
		t.Fatalf("unable to create bucket dir: %v\n", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("unable to write config: %v\n", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, testConfigTOML)
	dir := filepath.Dir(path)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unable to load config: %v\n", err)
	}
	if c.Location() != path {
		t.Errorf("bad config location %q\n", c.Location())
	}
	if c.Logging.Logfile != filepath.Join(dir, "logs/slicecube.log") || c.Logging.MaxSize != 500 {
		t.Errorf("bad logging config: %+v\n", c.Logging)
	}
	if c.Remote.URL != "file://"+filepath.Join(dir, "bucket") {
		t.Errorf("relative bucket url not made absolute: %s\n", c.Remote.URL)
	}
	if c.Status.Address != "localhost:0" || len(c.Status.CORSOrigins) != 1 {
		t.Errorf("bad status config: %+v\n", c.Status)
	}

	sc := c.SchedulerConfig("/state")
	if sc.StateDir != "/state" || sc.IOWorkers != 12 || sc.CPUWorkers != 3 || sc.JobBudget != 0 {
		t.Errorf("bad worker settings: %+v\n", sc)
	}
	if sc.TileCache.MaxBytes != 512<<20 || sc.TileCache.SpillBytes != 1<<20 {
		t.Errorf("bad cache sizes: %+v\n", sc.TileCache)
	}
	if sc.TiledDir != filepath.Join(dir, "tiled") || sc.CellSize != 64 {
		t.Errorf("bad tiled dir %q or cell size %d\n", sc.TiledDir, sc.CellSize)
	}
	if sc.SyncInterval != 500*time.Millisecond || sc.ExportInterval != 12*time.Hour || sc.FlushInterval != 0 {
		t.Errorf("bad intervals: sync %s export %s flush %s\n", sc.SyncInterval, sc.ExportInterval, sc.FlushInterval)
	}
	if !sc.NoSweep {
		t.Errorf("expected sweep to be disabled\n")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "[schedule]\nsync = \"soon\"\n")); err == nil {
		t.Errorf("expected error on bad duration\n")
	}
	if _, err := LoadConfig(writeConfig(t, "[cache]\ntile_bytes = \"lots\"\n")); err == nil {
		t.Errorf("expected error on bad byte size\n")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("expected error on missing file\n")
	}
	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("empty config should be allowed: %v\n", err)
	}
	var empty scheduler.Config
	empty.StateDir = "x"
	if sc := c.SchedulerConfig("x"); sc != empty {
		t.Errorf("empty config should leave all scheduler settings unset: %+v\n", sc)
	}
	if _, _, err := c.Client(context.Background()); err == nil {
		t.Errorf("expected error with no remote url\n")
	}
}

func TestClient(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, testConfigTOML))
	if err != nil {
		t.Fatalf("unable to load config: %v\n", err)
	}
	client, closer, err := c.Client(context.Background())
	if err != nil {
		t.Fatalf("unable to open bucket client: %v\n", err)
	}
	if _, ok := client.(*remote.BlobClient); !ok {
		t.Errorf("expected bucket client, got %T\n", client)
	}
	if err := client.Upload(context.Background(), "ch00-mip.webm", []byte("mip")); err != nil {
		t.Errorf("upload to bucket failed: %v\n", err)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("close failed: %v\n", err)
	}

	c.Remote.URL = "http://localhost:1234/api"
	client, _, err = c.Client(context.Background())
	if err != nil {
		t.Fatalf("unable to create http client: %v\n", err)
	}
	if _, ok := client.(*remote.HTTPClient); !ok {
		t.Errorf("expected http client, got %T\n", client)
	}
}
