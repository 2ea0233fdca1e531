package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"

	"github.com/hupe1980/uppend"
)

var errExit = errors.New("exit")

const shellHelp = `commands:
  append <partition> <key> <value>...   append one or more values
  read <partition> <key>                print all values of a key
  last <partition> <key>                print the most recent value
  keys <partition>                      list keys
  scan <partition>                      print every key with its values
  partitions                            list partitions
  flush                                 persist pending appends
  clear                                 remove all data
  stats                                 print store statistics
  help                                  show this help
  exit                                  leave the shell`

type shell struct {
	store *uppend.Store
	out   io.Writer
}

// run reads commands from in until EOF or exit. Arguments are split with
// POSIX shell quoting rules, so values may contain spaces when quoted.
func (sh *shell) run(ctx context.Context, in io.Reader, prompt bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for {
		if prompt {
			fmt.Fprint(sh.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := shellquote.Split(line)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
			continue
		}
		if err := sh.exec(ctx, args); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (sh *shell) exec(ctx context.Context, args []string) error {
	cmd, args := args[0], args[1:]
	want := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch cmd {
	case "append":
		if err := want(3, "append <partition> <key> <value>..."); err != nil {
			return err
		}
		for _, v := range args[2:] {
			if err := sh.store.Append(ctx, args[0], args[1], []byte(v)); err != nil {
				return err
			}
		}
		fmt.Fprintf(sh.out, "ok (%d)\n", len(args)-2)
	case "read":
		if err := want(2, "read <partition> <key>"); err != nil {
			return err
		}
		n := 0
		for v, err := range sh.store.Read(ctx, args[0], args[1]) {
			if err != nil {
				return err
			}
			fmt.Fprintln(sh.out, quote(v))
			n++
		}
		if n == 0 {
			fmt.Fprintln(sh.out, "(empty)")
		}
	case "last":
		if err := want(2, "last <partition> <key>"); err != nil {
			return err
		}
		v, ok, err := sh.store.ReadLast(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(sh.out, "(empty)")
			return nil
		}
		fmt.Fprintln(sh.out, quote(v))
	case "keys":
		if err := want(1, "keys <partition>"); err != nil {
			return err
		}
		for k, err := range sh.store.Keys(args[0]) {
			if err != nil {
				return err
			}
			fmt.Fprintln(sh.out, k)
		}
	case "scan":
		if err := want(1, "scan <partition>"); err != nil {
			return err
		}
		for kv, err := range sh.store.Scan(ctx, args[0]) {
			if err != nil {
				return err
			}
			var vals []string
			for v, err := range kv.Values {
				if err != nil {
					return err
				}
				vals = append(vals, quote(v))
			}
			fmt.Fprintf(sh.out, "%s: %s\n", kv.Key, strings.Join(vals, " "))
		}
	case "partitions":
		names, err := sh.store.Partitions()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(sh.out, n)
		}
	case "flush":
		if err := sh.store.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "ok")
	case "clear":
		if err := sh.store.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "ok")
	case "stats":
		printStats(sh.out, sh.store.Stats())
	case "help":
		fmt.Fprintln(sh.out, shellHelp)
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func quote(v []byte) string {
	return shellquote.Join(string(v))
}

func printStats(w io.Writer, st uppend.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "partitions\t%d\n", st.Partitions)
	fmt.Fprintf(tw, "open shards\t%d\n", st.OpenShards)
	fmt.Fprintf(tw, "values\t%d\n", st.Values)
	fmt.Fprintf(tw, "blocks\t%d (%s)\n", st.Blocks, humanize.IBytes(uint64(max(st.BlockBytes, 0))))
	fmt.Fprintf(tw, "payloads\t%s raw, %s stored\n",
		humanize.IBytes(uint64(max(st.PayloadRawBytes, 0))),
		humanize.IBytes(uint64(max(st.PayloadStoredBytes, 0))))
	fmt.Fprintf(tw, "pending appends\t%d\n", st.PendingAppends)
	fmt.Fprintf(tw, "buffer batches\t%d\n", st.BufferBatches)
	fmt.Fprintf(tw, "cache\t%d hits, %d misses\n", st.Cache.Hits, st.Cache.Misses)
	_ = tw.Flush()
}
