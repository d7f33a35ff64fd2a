// dagstore is a command line front end to an on-disk store: import and
// export files, manage aliases, run GC and dump blocks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/dagcbor"
	"github.com/agenthands/dagstore/pkg/dagstore"
	"github.com/google/renameio"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// command is one subcommand. It gets an open DB and its own arguments.
type command struct {
	usage string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"put":     {"put [--name N] [--media-type T] [--tag k=v] [FILE|-]", cmdPut},
	"cat":     {"cat [-o FILE] ROOT|ALIAS", cmdCat},
	"stat":    {"stat ROOT|ALIAS", cmdStat},
	"alias":   {"alias [--clear] NAME [CID]", cmdAlias},
	"resolve": {"resolve NAME", cmdResolve},
	"gc":      {"gc", cmdGC},
	"stats":   {"stats", cmdStats},
	"diag":    {"diag CID|ALIAS", cmdDiag},
}

type env struct {
	db     *dagstore.DB
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var dir, configPath, logLevel string

	flagSet := pflag.NewFlagSet("dagstore", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&dir, "dir", "d", "", "store directory (overrides the config file)")
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flagSet.Usage = func() { printHelp(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() == 0 {
		printHelp(stderr, flagSet)
		return fmt.Errorf("%w: missing command", core.ErrInvalidInput)
	}

	name := flagSet.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", core.ErrInvalidInput, name)
	}

	cfg, err := loadConfig(configPath, dir, logLevel, stderr)
	if err != nil {
		return err
	}
	db, err := dagstore.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	e := &env{db: db, stdin: stdin, stdout: stdout, stderr: stderr}
	if err := cmd.run(ctx, e, flagSet.Args()[1:]); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return db.Close()
}

func loadConfig(path, dir, level string, stderr io.Writer) (core.Config, error) {
	var cfg core.Config
	if path != "" {
		var err error
		if cfg, err = core.LoadConfig(path); err != nil {
			return core.Config{}, err
		}
	}
	if dir != "" {
		// Pack and catalog directories follow --dir.
		cfg.Dir, cfg.Pack.Dir, cfg.Catalog.Dir = dir, "", ""
	}
	if cfg.Dir == "" {
		return core.Config{}, fmt.Errorf("%w: a store directory is required (--dir or dir in the config)", core.ErrInvalidInput)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return core.Config{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cfg.Logger.SetOutput(stderr)
	cfg.Logger.SetLevel(lvl)
	return cfg.WithDefaults(), nil
}

func subFlags(name string, e *env) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// target parses arg as a Cid, falling back to alias lookup.
func target(e *env, arg string) (cid.Cid, error) {
	if c, err := cid.Decode(arg); err == nil {
		return c, nil
	}
	c, ok := e.db.Resolve([]byte(arg))
	if !ok {
		return cid.Undef, fmt.Errorf("%w: no alias %q", core.ErrBlockNotFound, arg)
	}
	return c, nil
}

func cmdPut(ctx context.Context, e *env, args []string) error {
	var name string
	var meta dagstore.PutMeta

	fs := subFlags("put", e)
	fs.StringVarP(&name, "name", "n", "", "alias the imported file under this name")
	fs.StringVarP(&meta.MediaType, "media-type", "t", "", "media type recorded in the manifest")
	fs.StringToStringVar(&meta.Tags, "tag", nil, "key=value tag recorded in the manifest, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := e.stdin
	if path := fs.Arg(0); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ref, err := e.db.PutFile(ctx, []byte(name), in, meta)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s\t%d bytes\t%d chunks\t%d deduped\n", ref.Root, ref.Length, ref.Chunks, ref.Deduped)
	return nil
}

func cmdCat(ctx context.Context, e *env, args []string) error {
	var out string

	fs := subFlags("cat", e)
	fs.StringVarP(&out, "output", "o", "", "write to this file atomically instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: expected one root", core.ErrInvalidInput)
	}

	root, err := target(e, fs.Arg(0))
	if err != nil {
		return err
	}
	r, err := e.db.OpenFile(ctx, root)
	if err != nil {
		return err
	}
	defer r.Close()

	if out == "" {
		_, err = io.Copy(e.stdout, r)
		return err
	}

	pf, err := renameio.TempFile("", out)
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if _, err := io.Copy(pf, r); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

func cmdStat(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected one root", core.ErrInvalidInput)
	}
	root, err := target(e, args[0])
	if err != nil {
		return err
	}
	m, err := e.db.StatFile(ctx, root)
	if err != nil {
		return err
	}

	fmt.Fprintf(e.stdout, "root:    %s\n", root)
	fmt.Fprintf(e.stdout, "length:  %d\n", m.Length)
	fmt.Fprintf(e.stdout, "chunks:  %d\n", len(m.Chunks))
	if m.MediaType != "" {
		fmt.Fprintf(e.stdout, "type:    %s\n", m.MediaType)
	}
	keys := make([]string, 0, len(m.Tags))
	for k := range m.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(e.stdout, "tag:     %s=%s\n", k, m.Tags[k])
	}
	return nil
}

func cmdAlias(ctx context.Context, e *env, args []string) error {
	var remove bool

	fs := subFlags("alias", e)
	fs.BoolVar(&remove, "clear", false, "remove the alias")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case remove && fs.NArg() == 1:
		return e.db.Alias([]byte(fs.Arg(0)), cid.Undef)
	case !remove && fs.NArg() == 2:
		c, err := cid.Decode(fs.Arg(1))
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		// Refuse to root something this store cannot produce.
		if _, err := e.db.Fetch(ctx, c); err != nil {
			return err
		}
		return e.db.Alias([]byte(fs.Arg(0)), c)
	default:
		return fmt.Errorf("%w: expected NAME CID, or --clear NAME", core.ErrInvalidInput)
	}
}

func cmdResolve(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected one name", core.ErrInvalidInput)
	}
	c, ok := e.db.Resolve([]byte(args[0]))
	if !ok {
		return fmt.Errorf("%w: no alias %q", core.ErrBlockNotFound, args[0])
	}
	fmt.Fprintln(e.stdout, c)
	return nil
}

func cmdGC(ctx context.Context, e *env, args []string) error {
	if err := e.db.Flush(ctx); err != nil {
		return err
	}
	res, err := e.db.GC(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "live blocks:     %d\n", res.Live)
	fmt.Fprintf(e.stdout, "packs swept:     %d\n", res.PacksSwept)
	fmt.Fprintf(e.stdout, "blocks moved:    %d\n", res.BlocksMoved)
	fmt.Fprintf(e.stdout, "blocks dropped:  %d\n", res.BlocksDropped)
	fmt.Fprintf(e.stdout, "bytes reclaimed: %d\n", res.BytesReclaimed)
	return nil
}

func cmdStats(ctx context.Context, e *env, args []string) error {
	st := e.db.Stats()
	fmt.Fprintf(e.stdout, "aliases:      %d\n", st.Aliases)
	fmt.Fprintf(e.stdout, "resident:     %d\n", st.Resident)
	fmt.Fprintf(e.stdout, "sealed packs: %d\n", st.Packs.SealedPacks)
	fmt.Fprintf(e.stdout, "pack bytes:   %d\n", st.Packs.SealedBytes+st.Packs.ActiveBytes)
	return nil
}

func cmdDiag(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected one cid", core.ErrInvalidInput)
	}
	c, err := target(e, args[0])
	if err != nil {
		return err
	}
	b, err := e.db.Fetch(ctx, c)
	if err != nil {
		return err
	}
	raw, err := b.Encode()
	if err != nil {
		return err
	}

	if b.Codec() != block.DagCbor {
		fmt.Fprintf(e.stdout, "%s block, %d bytes\n", b.Codec(), len(raw))
		return nil
	}
	diag, err := dagcbor.Diagnose(raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, diag)
	return nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "  dagstore [flags] %s\n", commands[name].usage)
	}
	fmt.Fprintf(w, "Usage:\n%s\nFlags:\n", b.String())
	flagSet.PrintDefaults()
}
