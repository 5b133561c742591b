// Command-line interface to slicecube.
// Provides the commands that prepare a state directory and resume a conversion.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"strings"
	"syscall"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/slicecube/dvid"
	"github.com/janelia-flyem/slicecube/imgsrc"
	"github.com/janelia-flyem/slicecube/scheduler"
	"github.com/janelia-flyem/slicecube/server"
	"github.com/janelia-flyem/slicecube/statelog"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// TOML configuration for resume.
	configFile = flag.String("config", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")

	// Overrides of the configuration file.
	ioWorkers  = flag.Int("io", 0, "")
	cpuWorkers = flag.Int("cpu", 0, "")
	tileBytes  = flag.String("tilecache", "", "")
	tiledDir   = flag.String("tiled", "", "")
	noSweep    = flag.Bool("nosweep", false, "")

	// Volume parameters for prepare.
	cubeSize   = flag.String("cubesize", "256,256,256", "")
	downsample = flag.String("downsample", "8,8,8", "")
	resolution = flag.String("resolution", "1,1,1", "")
)

const helpMessage = `
slicecube converts a stack of image slices into compressed cubes on a remote server

Usage: slicecube [options] <command>

      -config     =string   TOML configuration file used by resume.
      -io         =number   Concurrent slice reads.
      -cpu        =number   Concurrent cube compressions.
      -tilecache  =string   Tile cache budget, e.g. "4 GiB".
      -tiled      =string   Directory for tiled slice copies.  Leave unset to read sources only.
      -nosweep    (flag)    Do not convert or fold slices in the background.
      -cubesize   =string   Cube size for prepare, e.g. "256,256,256".
      -downsample =string   Downsample factors for prepare, e.g. "8,8,8".
      -resolution =string   Voxel resolution for prepare, e.g. "8,8,8".
      -cpuprofile =string   Write CPU profile to this file.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	prepare <state dir> <slice dir | slice files...>
	resume  <state dir>

The first interrupt during resume finishes in-flight cubes and exits.  A second
interrupt or a termination signal exits at once; unfinished cubes resume next time.
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}

	if *runVerbose {
		dvid.Verbose = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *useCPU != 0 {
		dvid.NumCPU = *useCPU
	}
	runtime.GOMAXPROCS(dvid.NumCPU)

	command := dvid.Command(flag.Args())
	if err := DoCommand(command); err != nil {
		dvid.Shutdown()
		fmt.Fprintln(os.Stderr, err.Error())
		if *cpuprofile != "" {
			pprof.StopCPUProfile()
		}
		os.Exit(1)
	}
	dvid.Shutdown()
}

// DoCommand serves as a switchboard for commands.
func DoCommand(cmd dvid.Command) error {
	if len(cmd) == 0 {
		return fmt.Errorf("Blank command!")
	}

	switch cmd.Name() {
	case "prepare":
		return DoPrepare(cmd)
	case "resume":
		return DoResume(cmd)
	case "about":
		fmt.Printf("slicecube %s\n", server.Version)
	default:
		return fmt.Errorf("unknown command %q; try 'slicecube help'", cmd.Name())
	}
	return nil
}

var sliceExts = map[string]bool{".tif": true, ".tiff": true, ".png": true, imgsrc.TiledExt: true}

// sliceFiles returns the source files in z order.  A single directory argument
// expands to its slice files sorted by name.
func sliceFiles(args []string) ([]string, error) {
	if len(args) == 1 {
		if fi, err := os.Stat(args[0]); err == nil && fi.IsDir() {
			entries, err := os.ReadDir(args[0])
			if err != nil {
				return nil, err
			}
			var files []string
			for _, e := range entries {
				if !e.IsDir() && sliceExts[strings.ToLower(filepath.Ext(e.Name()))] {
					files = append(files, filepath.Join(args[0], e.Name()))
				}
			}
			sort.Strings(files)
			args = files
		}
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no slice files found")
	}
	files := make([]string, len(args))
	for i, f := range args {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, err
		}
		files[i] = abs
	}
	return files, nil
}

// DoPrepare performs the "prepare" command, probing every slice and writing a new
// state log.
func DoPrepare(cmd dvid.Command) error {
	var stateDir string
	sources := cmd.CommandArgs(1, &stateDir)
	if stateDir == "" || len(sources) == 0 {
		return fmt.Errorf("prepare command must be followed by the state directory and slice files")
	}
	files, err := sliceFiles(sources)
	if err != nil {
		return err
	}
	params := statelog.Params{Files: files}
	if params.CubeSizes, err = dvid.StringToPoint3d(*cubeSize, ","); err != nil {
		return fmt.Errorf("bad -cubesize: %v", err)
	}
	if params.Downsample, err = dvid.StringToPoint3d(*downsample, ","); err != nil {
		return fmt.Errorf("bad -downsample: %v", err)
	}
	res, err := dvid.StringToNdFloat64(*resolution, ",")
	if err != nil || len(res) != 3 {
		return fmt.Errorf("bad -resolution %q", *resolution)
	}
	copy(params.Resolution[:], res)

	timedLog := dvid.NewTimeLog()
	infos := make([]imgsrc.Info, len(files))
	var g errgroup.Group
	g.SetLimit(dvid.NumCPU * 2)
	for i, f := range files {
		g.Go(func() error {
			info, err := imgsrc.Probe(f)
			if err != nil {
				return fmt.Errorf("slice %d: %v", i, err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	first := infos[0]
	for i, info := range infos[1:] {
		if info.Width != first.Width || info.Height != first.Height ||
			info.SamplesPerPixel != first.SamplesPerPixel || info.BitsPerSample != first.BitsPerSample {
			return fmt.Errorf("slice %d (%s) differs from slice 0 (%s)", i+1, info, first)
		}
	}
	params.Sizes = dvid.Point3d{first.Width, first.Height, int32(len(files))}
	params.SamplesPerPixel = first.SamplesPerPixel
	params.BitsPerSample = first.BitsPerSample

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("unable to create state directory: %v", err)
	}
	logPath := filepath.Join(stateDir, scheduler.LogFile)
	if err := statelog.Create(logPath, params); err != nil {
		return err
	}
	timedLog.Infof("Prepared %s: volume %s, %d x %d-bit samples, cubes %s", logPath,
		params.Sizes, params.SamplesPerPixel, params.BitsPerSample, params.CubeSizes)
	return nil
}

// DoResume performs the "resume" command, running the scheduler on a prepared state
// directory until it is stopped.
func DoResume(cmd dvid.Command) error {
	var stateDir string
	cmd.CommandArgs(1, &stateDir)
	if stateDir == "" {
		return fmt.Errorf("resume command must be followed by the state directory")
	}
	cfg, err := server.LoadConfig(*configFile)
	if err != nil {
		return err
	}
	cfg.Logging.SetLogger()

	logPath := filepath.Join(stateDir, scheduler.LogFile)
	state, facts, err := statelog.ReadFile(logPath)
	if err != nil {
		return err
	}
	dvid.Infof("Replayed %d facts of %s: %d cubes ready, %d needed\n", len(facts), logPath,
		len(state.Ready), len(state.Needed))
	w, err := statelog.OpenWriter(logPath)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, closer, err := cfg.Client(ctx)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	sc := cfg.SchedulerConfig(stateDir)
	if *ioWorkers > 0 {
		sc.IOWorkers = *ioWorkers
	}
	if *cpuWorkers > 0 {
		sc.CPUWorkers = *cpuWorkers
	}
	if *tileBytes != "" {
		n, err := humanize.ParseBytes(*tileBytes)
		if err != nil {
			return fmt.Errorf("bad -tilecache: %v", err)
		}
		sc.TileCache.MaxBytes = int64(n)
	}
	if *tiledDir != "" {
		if sc.TiledDir, err = filepath.Abs(*tiledDir); err != nil {
			return err
		}
	}
	if *noSweep {
		sc.NoSweep = true
	}
	if sc.TiledDir != "" {
		if err := os.MkdirAll(sc.TiledDir, 0755); err != nil {
			return fmt.Errorf("unable to create tiled directory: %v", err)
		}
	}

	s, err := scheduler.New(sc, state, w, client)
	if err != nil {
		return err
	}
	status, err := server.StartStatus(cfg.Status, s.Stats)
	if err != nil {
		return err
	}
	if status != nil {
		defer status.Close()
	}

	stopSig := make(chan os.Signal, 2)
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopSig)
	go func() {
		interrupts := 0
		for sig := range stopSig {
			interrupts++
			if sig == os.Interrupt && interrupts == 1 {
				dvid.Infof("Stop signal captured: %q.  Finishing in-flight cubes; interrupt again to exit now.\n", sig)
				s.Drain()
				continue
			}
			dvid.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
			s.Stop()
		}
	}()

	return s.Run(ctx)
}
