package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/fxnlabs/hash-backend/fixtures"
	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/internal/config"
	"github.com/fxnlabs/hash-backend/internal/metrics"
	"github.com/fxnlabs/hash-backend/pkg/backend"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// emuGridLimit caps suggested grids on the emulated driver, where every
// thread runs on the host CPU.
const emuGridLimit = 64

type benchSettings struct {
	Algorithm   string
	Variant     string
	Duration    time.Duration
	Devices     []int
	Grid        int // zero uses the suggested grid
	Bfactor     int
	MetricsAddr string
}

type deviceResult struct {
	Device int
	Name   string
	Grid   int
	Jobs   int
	Hashes int
	Wall   time.Duration
	// Per-job hash rates in H/s.
	Mean   float64
	StdDev float64
}

// Rate is the sustained rate over the whole run.
func (r deviceResult) Rate() float64 {
	if r.Wall <= 0 {
		return 0
	}
	return float64(r.Hashes) / r.Wall.Seconds()
}

type benchmark struct {
	settings benchSettings
	client   *backend.Client
	emulated bool
	blob     []byte
	logger   *zap.Logger
}

func newBenchBackend(lc fx.Lifecycle, cfg *config.Config, s benchSettings, log *zap.Logger) (*backend.Backend, error) {
	b, err := openBackend(cfg, s.Bfactor, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return b.Release() },
	})
	return b, nil
}

func newMetricsServer(lc fx.Lifecycle, s benchSettings, log *zap.Logger) *metrics.Server {
	srv := metrics.NewServer(s.MetricsAddr, log)
	lc.Append(fx.Hook{OnStart: srv.Start, OnStop: srv.Stop})
	return srv
}

func newBenchmark(b *backend.Backend, s benchSettings, log *zap.Logger) (*benchmark, error) {
	client, err := backend.Bind(b.API(), backend.Version)
	if err != nil {
		return nil, err
	}
	if len(s.Devices) == 0 {
		for i := 0; i < b.DeviceCount(); i++ {
			s.Devices = append(s.Devices, i)
		}
	}
	return &benchmark{
		settings: s,
		client:   client,
		emulated: b.Table().IsEmulated(),
		blob:     fixtures.Block(),
		logger:   log.Named("bench"),
	}, nil
}

func benchOptions(cfg *config.Config, s benchSettings, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Supply(cfg, s, log),
		fx.Provide(newBenchBackend, newMetricsServer, newBenchmark),
		fx.Invoke(func(*metrics.Server) {}),
	)
}

// Run hashes on every selected device until the duration elapses or ctx is
// done. A job in flight when time runs out is completed.
func (bm *benchmark) Run(ctx context.Context) ([]deviceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, bm.settings.Duration)
	defer cancel()

	results := make([]deviceResult, len(bm.settings.Devices))
	g, ctx := errgroup.WithContext(ctx)
	for i, index := range bm.settings.Devices {
		g.Go(func() error {
			r, err := bm.runDevice(ctx, index)
			if err != nil {
				return fmt.Errorf("device %d: %w", index, err)
			}
			results[i] = r
			return nil
		})
	}
	return results, g.Wait()
}

func (bm *benchmark) gridFor(index int) (int, error) {
	if bm.settings.Grid > 0 {
		return bm.settings.Grid, nil
	}
	grid, err := bm.client.API().SuggestGridSize(index, bm.settings.Algorithm, bm.settings.Variant)
	if err != nil {
		return 0, err
	}
	if bm.emulated {
		grid = min(grid, emuGridLimit)
	}
	return grid, nil
}

func (bm *benchmark) runDevice(ctx context.Context, index int) (deviceResult, error) {
	api := bm.client.API()
	info, err := api.DeviceInfo(index)
	if err != nil {
		return deviceResult{}, err
	}
	grid, err := bm.gridFor(index)
	if err != nil {
		return deviceResult{}, err
	}
	h, err := api.ContextOpen(index, bm.settings.Algorithm, bm.settings.Variant, grid)
	if err != nil {
		return deviceResult{}, err
	}
	defer api.ContextClose(h)

	log := bm.logger.With(zap.Int("device", index), zap.Int("grid", grid))
	log.Info("Benchmark started", zap.String("algorithm", bm.settings.Algorithm+"/"+bm.settings.Variant))

	r := deviceResult{Device: index, Name: info.Name, Grid: grid}
	var rates []float64
	var nonce uint32
	start := time.Now()
	for ctx.Err() == nil {
		if uint64(nonce)+uint64(grid) > math.MaxUint32 {
			nonce = 0
		}
		if err := api.Submit(h, backend.Job{Blob: bm.blob, StartNonce: nonce}); err != nil {
			return r, err
		}
		res := api.Wait(h, -1)
		if res.Status != backend.PollReady {
			return r, res.Err
		}
		n := len(res.Result.Hashes)
		r.Jobs++
		r.Hashes += n
		if res.Result.ElapsedMicros > 0 {
			rates = append(rates, float64(n)*1e6/float64(res.Result.ElapsedMicros))
		}
		nonce += uint32(n)
	}
	r.Wall = time.Since(start)
	switch len(rates) {
	case 0:
	case 1:
		r.Mean = rates[0]
	default:
		r.Mean, r.StdDev = stat.MeanStdDev(rates, nil)
	}
	log.Info("Benchmark finished",
		zap.Int("jobs", r.Jobs),
		zap.Int("hashes", r.Hashes),
		zap.Float64("hashrate", r.Rate()))
	return r, nil
}

func printBench(w io.Writer, id string, results []deviceResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tNAME\tALGORITHM\tGRID\tJOBS\tHASHES\tH/S\tJOB MEAN\tJOB STDDEV\n")
	var total float64
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%.2f\t%.2f\t%.2f\n",
			r.Device, r.Name, id, r.Grid, r.Jobs, r.Hashes, r.Rate(), r.Mean, r.StdDev)
		total += r.Rate()
	}
	tw.Flush()
	fmt.Fprintf(w, "Total: %.2f H/s\n", total)
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Measure the hash rate of the selected devices",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "algo", Usage: "algorithm/variant, defaults to bench.algorithm"},
			&cli.DurationFlag{Name: "duration", Usage: "How long to hash, defaults to bench.duration"},
			&cli.IntSliceFlag{Name: "device", Usage: "Device index, may be repeated; defaults to bench.devices or every device"},
			&cli.IntFlag{Name: "grid", Usage: "Threads per job, overrides the profile"},
			&cli.IntFlag{Name: "bfactor", Usage: "Split factor of the main loop, overrides the profile"},
			&cli.StringFlag{Name: "metrics", Usage: "Metrics listen address, defaults to metrics.listenAddress"},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			log := appLogger(c)

			s, err := benchSettingsFrom(c, cfg, log)
			if err != nil {
				return err
			}

			var bm *benchmark
			app := fx.New(benchOptions(cfg, s, log), fx.Populate(&bm))
			if err := app.Err(); err != nil {
				return err
			}
			startCtx, cancel := context.WithTimeout(c.Context, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()
			results, runErr := bm.Run(ctx)

			stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancelStop()
			if err := app.Stop(stopCtx); err != nil {
				log.Warn("Failed to stop cleanly", zap.Error(err))
			}
			if runErr != nil {
				return runErr
			}
			printBench(c.App.Writer, s.Algorithm+"/"+s.Variant, results)
			return nil
		},
	}
}

func benchSettingsFrom(c *cli.Context, cfg *config.Config, log *zap.Logger) (benchSettings, error) {
	id := cfg.Bench.Algorithm
	if c.IsSet("algo") {
		id = c.String("algo")
	}
	algorithm, variant := algo.Parse(id)
	if _, err := algo.Lookup(algorithm, variant); err != nil {
		return benchSettings{}, err
	}
	profile := cfg.ProfileFor(algorithm, variant, log)

	s := benchSettings{
		Algorithm:   algorithm,
		Variant:     variant,
		Duration:    cfg.Bench.Duration,
		Devices:     cfg.Bench.Devices,
		Grid:        profile.Grid,
		Bfactor:     profile.Bfactor,
		MetricsAddr: cfg.Metrics.ListenAddress,
	}
	if c.IsSet("duration") {
		s.Duration = c.Duration("duration")
	}
	if c.IsSet("device") {
		s.Devices = c.IntSlice("device")
	}
	if c.IsSet("grid") {
		s.Grid = c.Int("grid")
	}
	if c.IsSet("bfactor") {
		s.Bfactor = c.Int("bfactor")
	}
	if c.IsSet("metrics") {
		s.MetricsAddr = c.String("metrics")
	}
	if s.Duration <= 0 {
		return benchSettings{}, fmt.Errorf("bench duration must be positive, got %s", s.Duration)
	}
	if s.Grid < 0 {
		return benchSettings{}, fmt.Errorf("grid must not be negative, got %d", s.Grid)
	}
	return s, nil
}
