package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chzyer/readline"
	"github.com/olekukonko/tablewriter"
	"github.com/renchris/livequery/eventloop"
	"github.com/renchris/livequery/store"
	"github.com/renchris/livequery/subscribe"
)

// watchEntry is one named live query over a key prefix. All fields are
// loop-confined.
type watchEntry struct {
	name     string
	prefix   string
	keep     bool
	binding  *subscribe.Binding[store.ReadTransaction, string]
	last     string
	rendered bool
}

// shell wires the readline prompt to a store and a binding runtime. Commands
// run on the readline goroutine; anything touching bindings is posted to the
// loop and waited for.
type shell struct {
	rl    *readline.Instance
	loop  *eventloop.Loop
	store *store.Store
	rt    *subscribe.Runtime

	// loop-confined
	watches map[string]*watchEntry
	order   []string
}

func newShell(dbPath string, verbose bool) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "livequery> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("create readline: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	sh := &shell{
		rl:      rl,
		watches: map[string]*watchEntry{},
	}
	sh.loop = eventloop.New(eventloop.WithErrorFunc(func(err error) {
		fmt.Fprintf(rl.Stderr(), "loop error: %v\n", err)
	}))
	sh.rt = subscribe.NewRuntime(sh.loop,
		subscribe.WithErrorFunc(func(err error) {
			fmt.Fprintf(rl.Stderr(), "watch error: %v\n", err)
		}),
		subscribe.WithRenderFunc(sh.renderAll),
	)

	opts := []store.Option{store.WithLogger(logger)}
	if dbPath != "" {
		opts = append(opts, store.WithSQLite(dbPath))
	}
	st, err := store.New(sh.loop, opts...)
	if err != nil {
		rl.Close()
		return nil, err
	}
	sh.store = st
	return sh, nil
}

func (sh *shell) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- sh.loop.Run(runCtx) }()
	defer func() {
		// Posted before Close so the drain disposes every binding.
		_ = sh.loop.Post(sh.rt.Close)
		sh.loop.Close()
		<-loopDone
	}()

	fmt.Fprintf(sh.rl.Stdout(), "store at version %d, type 'help' for commands\n", sh.store.Version())

	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		default:
		}

		line, err := sh.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(sh.rl.Stdout(), "exiting")
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			sh.printHelp()

		case "put", "p":
			sh.cmdPut(args)

		case "get", "g":
			sh.cmdGet(args)

		case "del", "rm":
			sh.cmdDel(args)

		case "keys", "ls":
			sh.cmdKeys(args)

		case "version", "v":
			fmt.Fprintf(sh.rl.Stdout(), "version %d\n", sh.store.Version())

		case "watch", "w":
			sh.cmdWatch(args)

		case "retarget", "rt":
			sh.cmdRetarget(args)

		case "unwatch", "uw":
			sh.cmdUnwatch(args)

		case "watches", "ws":
			sh.cmdWatches()

		case "quit", "exit", "q":
			fmt.Fprintln(sh.rl.Stdout(), "exiting")
			return nil

		default:
			fmt.Fprintf(sh.rl.Stdout(), "unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (sh *shell) close() {
	if err := sh.store.Close(); err != nil {
		fmt.Fprintf(sh.rl.Stderr(), "close store: %v\n", err)
	}
	sh.rl.Close()
}

// onLoop posts fn to the loop and waits for it to finish.
func (sh *shell) onLoop(fn func()) {
	done := make(chan struct{})
	if err := sh.loop.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		fmt.Fprintf(sh.rl.Stderr(), "post: %v\n", err)
		return
	}
	<-done
}

// renderAll is the runtime's render pass. It runs on the loop after every
// flush that applied at least one fresh result.
func (sh *shell) renderAll() {
	for _, name := range sh.order {
		sh.renderEntry(sh.watches[name])
	}
}

func (sh *shell) renderEntry(e *watchEntry) {
	v := e.binding.Render(sh.store, prefixQuery(e.prefix),
		subscribe.WithDefault("(loading)"),
		subscribe.WithDeps[string](e.prefix),
		subscribe.WithKeepPreviousData[string](e.keep),
	)
	if !e.rendered || v != e.last {
		e.rendered = true
		e.last = v
		fmt.Fprintf(sh.rl.Stdout(), "[%s] %s\n", e.name, v)
	}
}

func prefixQuery(prefix string) subscribe.Query[store.ReadTransaction, string] {
	return func(tx store.ReadTransaction) (string, error) {
		entries, err := store.ScanPrefix[string](tx, prefix)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "(empty)", nil
		}
		var b strings.Builder
		for i, e := range entries {
			if i > 0 {
				b.WriteString("  ")
			}
			fmt.Fprintf(&b, "%s=%s", e.Key, e.Value)
		}
		return b.String(), nil
	}
}

func (sh *shell) cmdPut(args []string) {
	pairs, ok := putPairs(args)
	if !ok {
		fmt.Fprintln(sh.rl.Stdout(), "usage: put <key> <value> | put <key=value> [key=value ...]")
		return
	}
	err := sh.store.Update(func(tx store.WriteTransaction) error {
		for _, kv := range pairs {
			if err := tx.Put(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "put: %v\n", err)
		return
	}
	fmt.Fprintf(sh.rl.Stdout(), "ok, version %d\n", sh.store.Version())
}

// putPairs accepts either "key value..." or a list of key=value tokens. The
// key=value form writes every pair in a single commit, which is the easy way
// to see watch batching from the prompt.
func putPairs(args []string) ([][2]string, bool) {
	if len(args) == 0 {
		return nil, false
	}
	all := true
	for _, a := range args {
		if !strings.Contains(a, "=") {
			all = false
			break
		}
	}
	if all {
		pairs := make([][2]string, 0, len(args))
		for _, a := range args {
			k, v, _ := strings.Cut(a, "=")
			if k == "" {
				return nil, false
			}
			pairs = append(pairs, [2]string{k, v})
		}
		return pairs, true
	}
	if len(args) < 2 {
		return nil, false
	}
	return [][2]string{{args[0], strings.Join(args[1:], " ")}}, true
}

func (sh *shell) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(sh.rl.Stdout(), "usage: get <key>")
		return
	}
	err := sh.store.Read(func(tx store.ReadTransaction) error {
		v, ok, err := store.Get[string](tx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(sh.rl.Stdout(), "%s is not set\n", args[0])
			return nil
		}
		fmt.Fprintf(sh.rl.Stdout(), "%s = %s\n", args[0], v)
		return nil
	})
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "get: %v\n", err)
	}
}

func (sh *shell) cmdDel(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(sh.rl.Stdout(), "usage: del <key>")
		return
	}
	existed := false
	err := sh.store.Update(func(tx store.WriteTransaction) error {
		existed = tx.Delete(args[0])
		return nil
	})
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "del: %v\n", err)
		return
	}
	if !existed {
		fmt.Fprintf(sh.rl.Stdout(), "%s was not set\n", args[0])
		return
	}
	fmt.Fprintf(sh.rl.Stdout(), "ok, version %d\n", sh.store.Version())
}

func (sh *shell) cmdKeys(args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	err := sh.store.Read(func(tx store.ReadTransaction) error {
		keys := tx.Keys(prefix)
		if len(keys) == 0 {
			fmt.Fprintln(sh.rl.Stdout(), "(none)")
			return nil
		}
		for _, k := range keys {
			fmt.Fprintln(sh.rl.Stdout(), k)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(sh.rl.Stdout(), "keys: %v\n", err)
	}
}

func (sh *shell) cmdWatch(args []string) {
	if len(args) < 2 || len(args) > 3 || (len(args) == 3 && args[2] != "nokeep") {
		fmt.Fprintln(sh.rl.Stdout(), "usage: watch <name> <prefix> [nokeep]")
		return
	}
	name, prefix := args[0], args[1]
	keep := len(args) < 3
	sh.onLoop(func() {
		if _, ok := sh.watches[name]; ok {
			fmt.Fprintf(sh.rl.Stdout(), "watch %s already exists\n", name)
			return
		}
		e := &watchEntry{
			name:    name,
			prefix:  prefix,
			keep:    keep,
			binding: subscribe.New[store.ReadTransaction, string](sh.rt),
		}
		sh.watches[name] = e
		sh.order = append(sh.order, name)
		sh.renderEntry(e)
	})
}

func (sh *shell) cmdRetarget(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(sh.rl.Stdout(), "usage: retarget <name> <prefix>")
		return
	}
	name, prefix := args[0], args[1]
	sh.onLoop(func() {
		e, ok := sh.watches[name]
		if !ok {
			fmt.Fprintf(sh.rl.Stdout(), "no watch named %s\n", name)
			return
		}
		e.prefix = prefix
		// Deps are compared at render time, so render right away to tear
		// the old subscription down.
		sh.renderEntry(e)
	})
}

func (sh *shell) cmdUnwatch(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(sh.rl.Stdout(), "usage: unwatch <name>")
		return
	}
	name := args[0]
	sh.onLoop(func() {
		e, ok := sh.watches[name]
		if !ok {
			fmt.Fprintf(sh.rl.Stdout(), "no watch named %s\n", name)
			return
		}
		e.binding.Close()
		delete(sh.watches, name)
		for i, n := range sh.order {
			if n == name {
				sh.order = append(sh.order[:i], sh.order[i+1:]...)
				break
			}
		}
	})
}

func (sh *shell) cmdWatches() {
	var rows [][]string
	sh.onLoop(func() {
		for _, name := range sh.order {
			e := sh.watches[name]
			keep := "yes"
			if !e.keep {
				keep = "no"
			}
			value := e.last
			if !e.rendered {
				value = "(loading)"
			}
			rows = append(rows, []string{e.name, e.prefix, keep, value})
		}
	})
	if len(rows) == 0 {
		fmt.Fprintln(sh.rl.Stdout(), "(no watches)")
		return
	}
	tbl := tablewriter.NewWriter(sh.rl.Stdout())
	tbl.SetHeader([]string{"Name", "Prefix", "Keep", "Value"})
	for _, row := range rows {
		tbl.Append(row)
	}
	tbl.Render()
}

func (sh *shell) printHelp() {
	fmt.Fprintln(sh.rl.Stdout(), `
Commands:
  Store:
    put <key> <value>            - Write one key in its own commit
    put <k=v> [k=v ...]          - Write several keys in one commit
    get <key>                    - Read a key
    del <key>                    - Delete a key
    keys [prefix]                - List keys under a prefix
    version                      - Show the commit version

  Watches:
    watch <name> <prefix>        - Render the keys under a prefix, live
    watch <name> <prefix> nokeep - Same, but reset to the default on retarget
    retarget <name> <prefix>     - Point an existing watch at a new prefix
    unwatch <name>               - Drop a watch
    watches                      - List watches and their last values

  General:
    help                         - Show this help
    quit                         - Exit`)
}
