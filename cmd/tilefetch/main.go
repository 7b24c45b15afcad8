package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/paulmach/orb/maptile"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"tilepipe/internal/config"
	"tilepipe/internal/logger"
	"tilepipe/internal/pipeline"
	"tilepipe/internal/tile"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		parallel int
		timeout  time.Duration
		offline  bool
		clear    bool
	)

	flagSet := pflag.NewFlagSet("tilefetch", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.BaseURL, "base", cfg.BaseURL, "base URL for relative resources")
	flagSet.StringVar(&cfg.AccessToken, "token", cfg.AccessToken, "access token appended to requests")
	flagSet.StringVar(&cfg.TileURLTemplate, "template", cfg.TileURLTemplate, "tile URL template ({z}, {x}, {y}, {prefix}, {ratio})")
	flagSet.StringVar(&cfg.StylePath, "style", cfg.StylePath, "style document path or URL")
	flagSet.StringVar(&cfg.StyleSource, "source", cfg.StyleSource, "only parse buckets of this style source")
	flagSet.StringVar(&cfg.CacheType, "cache", cfg.CacheType, "cache type: sqlite, file, memory, redis, disabled")
	flagSet.StringVar(&cfg.CachePath, "cache-path", cfg.CachePath, "sqlite cache path")
	flagSet.BoolVar(&cfg.Raster, "raster", cfg.Raster, "tiles are raster images")
	flagSet.BoolVar(&cfg.Retina, "retina", cfg.Retina, "request high density tiles")
	flagSet.StringVar(&cfg.LogLevel, "log-level", "warn", "log level")
	flagSet.IntVarP(&parallel, "parallel", "p", 4, "tiles fetched at once")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	flagSet.BoolVar(&offline, "offline", false, "serve from the cache only")
	flagSet.BoolVar(&clear, "clear-cache", false, "drop cached tiles before fetching")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tilefetch [flags] z/x/y...\n\nFetches and parses tiles and prints a bucket summary.\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return errors.New("no tiles given")
	}

	ids := make([]maptile.Tile, 0, flagSet.NArg())
	for _, arg := range flagSet.Args() {
		id, err := parseTile(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Raster {
		vips.Startup(&vips.Config{})
		defer vips.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, err := pipeline.Open(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer p.Close()
	if clear {
		if err := p.Source.ClearCache(ctx); err != nil {
			return err
		}
	}
	if offline {
		p.Source.SetReachability(false)
	}

	results := make([]string, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, id := range ids {
		g.Go(func() error {
			d, err := p.Loader.Load(gctx, id)
			line := summarize(id, d, err)
			mu.Lock()
			results[i] = line
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	for _, line := range results {
		if line != "" {
			fmt.Fprintln(out, line)
		}
	}
	return err
}

func parseTile(s string) (maptile.Tile, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 3 {
		return maptile.Tile{}, fmt.Errorf("invalid tile %q, want z/x/y", s)
	}
	var n [3]uint64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return maptile.Tile{}, fmt.Errorf("invalid tile %q: %w", s, err)
		}
		n[i] = v
	}
	z, x, y := n[0], n[1], n[2]
	if z > 30 || x >= 1<<z || y >= 1<<z {
		return maptile.Tile{}, fmt.Errorf("tile %q out of range", s)
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

func summarize(id maptile.Tile, d *tile.Data, err error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d/%d/%d", id.Z, id.X, id.Y)
	if d != nil {
		fmt.Fprintf(&sb, " %s", d.State())
	}
	if err != nil {
		fmt.Fprintf(&sb, " error=%q", err.Error())
		return sb.String()
	}

	buckets := d.Buckets()
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := buckets[name]
		if b.Raster != nil {
			fmt.Fprintf(&sb, " %s=%dx%d", name, b.Raster.Width, b.Raster.Height)
			continue
		}
		fmt.Fprintf(&sb, " %s=%d/%d", name, len(b.Features), b.Vertices())
	}
	return sb.String()
}
