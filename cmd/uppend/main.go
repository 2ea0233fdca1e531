// Command uppend is a small operator tool for uppend stores: an interactive
// shell, a load generator, and backup management.
//
// Settings are read from UPPEND_* environment variables, optionally loaded
// from a .env file in the working directory. Flags take precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/hupe1980/uppend"
)

const usage = `usage: uppend <command> [flags]

commands:
  shell     interactive shell on a store
  bench     append and read load generator
  backup    copy a store to a backup target
  restore   restore a backup into an empty directory
  backups   list the backups at a target

Run "uppend <command> -h" for the flags of a command.`

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdin, os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "uppend:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stdout, usage)
		return flag.ErrHelp
	}
	cfg, err := loadConfig(getenv)
	if err != nil {
		return err
	}

	cmd, args := args[0], args[1:]
	fs := flag.NewFlagSet("uppend "+cmd, flag.ContinueOnError)
	fs.SetOutput(stdout)

	switch cmd {
	case "shell":
		cfg.bindStore(fs)
		readOnly := fs.Bool("read-only", false, "open the store read-only")
		noPrompt := fs.Bool("no-prompt", false, "do not print a prompt")
		if err := fs.Parse(args); err != nil {
			return err
		}
		opts, err := cfg.storeOptions()
		if err != nil {
			return err
		}
		if *readOnly {
			opts = append(opts, uppend.WithReadOnly())
		}
		store, err := uppend.Open(cfg.Dir, opts...)
		if err != nil {
			return err
		}
		sh := &shell{store: store, out: stdout}
		return errors.Join(sh.run(ctx, stdin, !*noPrompt), store.Close())

	case "bench":
		cfg.bindStore(fs)
		bc := defaultBenchConfig()
		fs.IntVar(&bc.Partitions, "partitions", bc.Partitions, "number of partitions")
		fs.IntVar(&bc.Keys, "keys", bc.Keys, "number of distinct keys per partition")
		fs.IntVar(&bc.Values, "values", bc.Values, "total number of appends")
		fs.IntVar(&bc.Size, "size", bc.Size, "payload size in bytes")
		fs.IntVar(&bc.Writers, "writers", bc.Writers, "concurrent writers")
		fs.BoolVar(&bc.Unbuffered, "unbuffered", bc.Unbuffered, "apply appends synchronously")
		fs.Uint64Var(&bc.Seed, "seed", bc.Seed, "random seed")
		fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
		if err := fs.Parse(args); err != nil {
			return err
		}
		opts, err := cfg.storeOptions()
		if err != nil {
			return err
		}
		if bc.Unbuffered {
			opts = append(opts, uppend.WithUnbufferedAppends())
		}
		if cfg.MetricsAddr != "" {
			opt, err := newMetrics(ctx, cfg.MetricsAddr)
			if err != nil {
				return err
			}
			opts = append(opts, opt)
		}
		store, err := uppend.Open(cfg.Dir, opts...)
		if err != nil {
			return err
		}
		res, err := runBench(ctx, store, bc)
		if err == nil {
			res.print(stdout)
			printStats(stdout, store.Stats())
		}
		return errors.Join(err, store.Close())

	case "backup":
		cfg.bindStore(fs)
		cfg.bindRemote(fs)
		to := fs.String("to", "", "backup target (path, file://, s3:// or minio://)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		dst, err := openTarget(ctx, cfg, *to)
		if err != nil {
			return err
		}
		opts, err := cfg.storeOptions()
		if err != nil {
			return err
		}
		store, err := uppend.Open(cfg.Dir, opts...)
		if err != nil {
			return err
		}
		id, err := store.Backup(ctx, dst)
		if err == nil {
			fmt.Fprintln(stdout, id)
		}
		return errors.Join(err, store.Close())

	case "restore":
		cfg.bindStore(fs)
		cfg.bindRemote(fs)
		from := fs.String("from", "", "backup source (path, file://, s3:// or minio://)")
		id := fs.String("id", "", "backup id (default: latest)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		src, err := openTarget(ctx, cfg, *from)
		if err != nil {
			return err
		}
		if *id == "" {
			if *id, err = uppend.LatestBackup(ctx, src); err != nil {
				return err
			}
		}
		logger, err := cfg.logger()
		if err != nil {
			return err
		}
		if err := uppend.Restore(ctx, src, *id, cfg.Dir, uppend.WithLogger(logger)); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "restored %s into %s\n", *id, cfg.Dir)
		return nil

	case "backups":
		cfg.bindRemote(fs)
		from := fs.String("from", "", "backup source (path, file://, s3:// or minio://)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		src, err := openTarget(ctx, cfg, *from)
		if err != nil {
			return err
		}
		ids, err := uppend.Backups(ctx, src)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tFILES\tSIZE")
		for _, id := range ids {
			idx, err := uppend.ReadBackupIndex(ctx, src, id)
			if err != nil {
				fmt.Fprintf(tw, "%s\t-\t-\t%v\n", id, err)
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", id, humanize.Time(idx.CreatedAt), len(idx.Files), humanize.IBytes(uint64(idx.TotalSize())))
		}
		return tw.Flush()

	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil

	default:
		fmt.Fprintln(stdout, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}
