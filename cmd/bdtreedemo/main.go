// bdtreedemo is an interactive shell over a BD-tree ordered map.
//
// Usage:
//
//	bdtreedemo [database-file]
//
// If no database file is specified, opens an in-memory SQLite-backed tree.
// Commands: put <key> <value>, get <key>, del <key>, scan, quit.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tellproject/bdtree"
	"github.com/tellproject/bdtree/storage/sqlite"
)

type u64Codec struct{}

func (u64Codec) Encode(k uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k)
	return b[:]
}
func (u64Codec) Decode(b []byte) (uint64, int, error) { return binary.BigEndian.Uint64(b[:8]), 8, nil }

type strCodec struct{}

func (strCodec) Encode(v string) []byte              { return []byte(v) }
func (strCodec) Decode(b []byte) (string, int, error) { return string(b), len(b), nil }

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func main() {
	dbPath := ":memory:"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	host, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer host.Close()

	ctx := context.Background()
	if _, _, err := host.PointerTableView().Read(ctx, bdtree.RootPointer); err != nil {
		if err := bdtree.Bootstrap[uint64, string](ctx, 0, u64Codec{}, strCodec{}, host.PointerTableView(), host.NodeTableView()); err != nil {
			fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
			os.Exit(1)
		}
	}

	tree, err := bdtree.New[uint64, string](cmpU64, 0, u64Codec{}, strCodec{},
		host.PointerTableView(), host.NodeTableView(), bdtree.WithLogger(bdtree.NewZapLogger(logger)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open tree: %v\n", err)
		os.Exit(1)
	}
	defer tree.Close()

	repl{tree: tree, out: os.Stdout, errOut: os.Stderr}.run(ctx, bufio.NewScanner(os.Stdin))
}

type repl struct {
	tree   *bdtree.Tree[uint64, string]
	out    *os.File
	errOut *os.File
}

func (r repl) run(ctx context.Context, sc *bufio.Scanner) {
	fmt.Fprintln(r.out, "bdtreedemo ready. commands: put <key> <value> | get <key> | del <key> | scan | quit")
	for {
		fmt.Fprint(r.out, "> ")
		if !sc.Scan() {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "quit", "exit":
			return
		case "put":
			r.put(ctx, fields)
		case "get":
			r.get(ctx, fields)
		case "del", "delete":
			r.del(ctx, fields)
		case "scan":
			r.scan(ctx)
		default:
			fmt.Fprintf(r.errOut, "unknown command %q\n", fields[0])
		}
	}
}

func (r repl) put(ctx context.Context, fields []string) {
	if len(fields) < 3 {
		fmt.Fprintln(r.errOut, "usage: put <key> <value>")
		return
	}
	key, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		fmt.Fprintf(r.errOut, "bad key: %v\n", err)
		return
	}
	ok, err := r.tree.Insert(ctx, key, strings.Join(fields[2:], " "))
	if err != nil {
		fmt.Fprintf(r.errOut, "insert error: %v\n", err)
		return
	}
	if !ok {
		fmt.Fprintf(r.out, "key %d already exists\n", key)
		return
	}
	fmt.Fprintln(r.out, "ok")
}

func (r repl) get(ctx context.Context, fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(r.errOut, "usage: get <key>")
		return
	}
	key, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		fmt.Fprintf(r.errOut, "bad key: %v\n", err)
		return
	}
	v, found, err := r.tree.Find(ctx, key)
	if err != nil {
		fmt.Fprintf(r.errOut, "find error: %v\n", err)
		return
	}
	if !found {
		fmt.Fprintln(r.out, "(not found)")
		return
	}
	fmt.Fprintln(r.out, v)
}

func (r repl) del(ctx context.Context, fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(r.errOut, "usage: del <key>")
		return
	}
	key, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		fmt.Fprintf(r.errOut, "bad key: %v\n", err)
		return
	}
	ok, err := r.tree.Erase(ctx, key)
	if err != nil {
		fmt.Fprintf(r.errOut, "erase error: %v\n", err)
		return
	}
	if !ok {
		fmt.Fprintln(r.out, "(not found)")
		return
	}
	fmt.Fprintln(r.out, "ok")
}

func (r repl) scan(ctx context.Context) {
	it, err := r.tree.Begin(ctx)
	if err != nil {
		fmt.Fprintf(r.errOut, "scan error: %v\n", err)
		return
	}
	for it.Valid() {
		fmt.Fprintf(r.out, "%d = %s\n", it.Key(), it.Value())
		if err := it.Next(); err != nil {
			fmt.Fprintf(r.errOut, "scan error: %v\n", err)
			return
		}
	}
}
