// golem-oplog is an interactive inspector for a node's durable state: list
// workers, page through an oplog, inspect manifests, host KV and promises.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"

	"github.com/golemcloud/golem-core/backends/sqlite"
	"github.com/golemcloud/golem-core/oplog"
)

func main() {
	_ = godotenv.Load()

	dbPath := flag.String("db", "./data/golem.sqlite", "path to the executor's sqlite database")
	flag.Parse()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		os.Exit(1)
	}
	defer store.Close()
	logStore := oplog.NewTieredStore(store, nil)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "golem> ",
		HistoryFile:     os.TempDir() + "/golem_oplog_history.txt",
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("golem oplog inspector. Commands: workers, oplog <worker> [from] [count], manifest <worker>, kv <worker>, promises <worker>, help, exit")
	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return
		case "help":
			fmt.Println("workers                      list workers with manifests")
			fmt.Println("oplog <worker> [from] [n]    print oplog entries")
			fmt.Println("manifest <worker>            print the chunk manifest")
			fmt.Println("kv <worker>                  list host KV keys")
			fmt.Println("promises <worker>            list promises (by oplog scan)")
		case "workers":
			workers, err := store.ListWorkers(ctx)
			if err != nil {
				fmt.Println("[error]", err)
				continue
			}
			for _, w := range workers {
				length, _ := logStore.Length(ctx, w)
				hint, _ := logStore.StatusHint(ctx, w)
				fmt.Printf("%s  entries=%d  status=%s\n", w, length, hint)
			}
		case "oplog":
			if len(fields) < 2 {
				fmt.Println("usage: oplog <worker> [from] [count]")
				continue
			}
			from := uint64(1)
			count := 50
			if len(fields) > 2 {
				from, _ = strconv.ParseUint(fields[2], 10, 64)
			}
			if len(fields) > 3 {
				count, _ = strconv.Atoi(fields[3])
			}
			entries, err := logStore.Read(ctx, fields[1], oplog.Index(from), count)
			if err != nil {
				fmt.Println("[error]", err)
				continue
			}
			for _, e := range entries {
				data, err := oplog.Marshal(e)
				if err != nil {
					fmt.Printf("%6d  %s  <unprintable: %v>\n", e.Index, e.Type(), err)
					continue
				}
				fmt.Printf("%6d  %s\n", e.Index, data)
			}
		case "manifest":
			if len(fields) < 2 {
				fmt.Println("usage: manifest <worker>")
				continue
			}
			m, ok, err := store.LoadManifest(ctx, fields[1])
			if err != nil {
				fmt.Println("[error]", err)
				continue
			}
			if !ok {
				fmt.Println("no manifest")
				continue
			}
			fmt.Printf("first_live_chunk=%d last_index=%d status=%s\n", m.FirstLiveChunk, m.LastIndex, m.StatusHint)
		case "kv":
			if len(fields) < 2 {
				fmt.Println("usage: kv <worker>")
				continue
			}
			keys, err := store.Keys(ctx, fields[1], "")
			if err != nil {
				fmt.Println("[error]", err)
				continue
			}
			for _, k := range keys {
				val, _, _ := store.Get(ctx, fields[1], k)
				fmt.Printf("%s = %q\n", k, val)
			}
		case "promises":
			if len(fields) < 2 {
				fmt.Println("usage: promises <worker>")
				continue
			}
			// Promise ids embed the worker key; walk the oplog for creations.
			entries, err := logStore.Read(ctx, fields[1], oplog.FirstIndex, 0)
			if err != nil {
				fmt.Println("[error]", err)
				continue
			}
			promises := store.Promises()
			for _, e := range entries {
				call, ok := e.Payload.(oplog.ImportedFunctionInvoked)
				if !ok || call.FunctionName != "golem::promise_create" {
					continue
				}
				rec, found, _ := promises.Get(ctx, string(call.Response))
				state := "pending"
				if found && rec.Completed {
					state = fmt.Sprintf("completed %q", rec.Data)
				}
				fmt.Printf("%s  %s\n", call.Response, state)
			}
		default:
			fmt.Println("unknown command; try help")
		}
	}
}
