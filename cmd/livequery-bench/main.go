package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/renchris/livequery/eventloop"
	"github.com/renchris/livequery/store"
	"github.com/renchris/livequery/subscribe"
	"github.com/urfave/cli/v3"
)

const (
	configKey     = "config"
	cpuProfileKey = "cpuprofile"
	verboseKey    = "verbose"
)

func main() {
	cmd := &cli.Command{
		Name:  "livequery-bench",
		Usage: "Measure commit to render latency across binding fan-outs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  configKey,
				Usage: "YAML scenario file, runs the built-in grid when empty",
			},
			&cli.StringFlag{
				Name:  cpuProfileKey,
				Usage: "Write a CPU profile to this path",
			},
			&cli.BoolFlag{
				Name:  verboseKey,
				Usage: "Enable debug logging",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool(verboseKey) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := defaultConfig()
	if path := cmd.String(configKey); path != "" {
		loaded, err := loadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if path := cmd.String(cpuProfileKey); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	tbl := table.NewWriter()
	tbl.SetTitle("commit to render")
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{
		"scenario", "bindings", "commits", "avg", "p75", "p99", "max", "renders/commit",
	})

	for _, sc := range cfg.Scenarios {
		slog.Info("running scenario",
			"name", sc.Name,
			"bindings", sc.Bindings,
			"commits", sc.Commits,
			"keysPerCommit", sc.KeysPerCommit,
		)
		res, err := runScenario(ctx, sc)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		tbl.AppendRows([]table.Row{{
			sc.Name,
			humanize.Comma(int64(sc.Bindings)),
			humanize.Comma(int64(sc.Commits)),
			res.avg,
			res.p75,
			res.p99,
			res.max,
			fmt.Sprintf("%.2f", res.rendersPerCommit),
		}})
	}

	tbl.Render()
	return nil
}

type result struct {
	avg              time.Duration
	p75              time.Duration
	p99              time.Duration
	max              time.Duration
	rendersPerCommit float64
}

// runScenario stands up a full loop, store and runtime, points one binding at
// each key, then times commits until the loop settles. A commit is only done
// once every affected binding has re-rendered, so the measured time covers
// store apply, watch re-query and the batched render pass.
func runScenario(ctx context.Context, sc scenario) (*result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := eventloop.New()
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(runCtx) }()
	defer func() {
		loop.Close()
		<-loopDone
	}()

	st, err := store.New(loop)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	renders := 0
	var renderAll func()
	rt := subscribe.NewRuntime(loop, subscribe.WithRenderFunc(func() {
		renders++
		renderAll()
	}))

	bindings := make([]*subscribe.Binding[store.ReadTransaction, string], sc.Bindings)
	queries := make([]subscribe.Query[store.ReadTransaction, string], sc.Bindings)
	renderAll = func() {
		for i, b := range bindings {
			b.Render(st, queries[i])
		}
	}

	if err := loop.Post(func() {
		for i := range bindings {
			bindings[i] = subscribe.New[store.ReadTransaction, string](rt)
			queries[i] = keyQuery(benchKey(i))
		}
		renderAll()
	}); err != nil {
		return nil, err
	}
	if err := loop.Settle(runCtx); err != nil {
		return nil, err
	}

	// The initial deliveries coalesce into a render pass of their own;
	// only the per-commit passes below are measured.
	base := renders

	payload := strings.Repeat("x", sc.PayloadBytes)
	tach := tachymeter.New(&tachymeter.Config{Size: sc.Commits})

	next := 0
	for i := 0; i < sc.Commits; i++ {
		commit := i
		start := time.Now()
		err := st.Update(func(tx store.WriteTransaction) error {
			for k := 0; k < sc.KeysPerCommit; k++ {
				key := benchKey(next % sc.Bindings)
				next++
				if err := tx.Put(key, fmt.Sprintf("%d:%s", commit, payload)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := loop.Settle(runCtx); err != nil {
			return nil, err
		}
		tach.AddTime(time.Since(start))
	}

	calc := tach.Calc()
	return &result{
		avg:              calc.Time.Avg,
		p75:              calc.Time.P75,
		p99:              calc.Time.P99,
		max:              calc.Time.Max,
		rendersPerCommit: float64(renders-base) / float64(sc.Commits),
	}, nil
}

func benchKey(i int) string {
	return fmt.Sprintf("bench/%06d", i)
}

func keyQuery(key string) subscribe.Query[store.ReadTransaction, string] {
	return func(tx store.ReadTransaction) (string, error) {
		v, _, err := store.Get[string](tx, key)
		return v, err
	}
}
