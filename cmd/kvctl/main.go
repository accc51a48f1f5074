// Command kvctl is a small CLI exercising the C9 transaction façade end
// to end: open a store rooted at a directory, run one operation in one
// transaction, print the result. Not a protocol client — it embeds the
// library directly, the way the teacher's many (SQL-engine) cmd/demo_*
// programs embedded the engine directly rather than talking over a wire.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kvstore/kvstore/dirlock"
	"github.com/kvstore/kvstore/kv"
	"github.com/kvstore/kvstore/logging"
	"github.com/kvstore/kvstore/pagestore"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: kvctl -root <dir> <command> [args]

commands:
  get <key>
  set <key> <value>
  delete <key>
  next <from-key>`)
}

func main() {
	root := flag.String("root", "", "database directory")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Usage = usage
	flag.Parse()

	logging.SetLevel(*logLevel)

	args := flag.Args()
	if *root == "" || len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(*root, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "kvctl:", err)
		os.Exit(1)
	}
}

func run(root, cmd string, args []string) error {
	lock, err := dirlock.Acquire(root)
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := pagestore.OpenDirStore(root)
	if err != nil {
		return err
	}

	opts := kv.DefaultOptions()
	opts.SpacePath = root
	db, err := kv.Open(store, kv.DefaultNamespaces(), opts)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tx := db.Begin()

	switch cmd {
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get requires exactly one key")
		}
		value, found, err := tx.Get(ctx, []byte(args[0]))
		if err != nil {
			tx.Rollback()
			return err
		}
		if !found {
			tx.Rollback()
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(value))
		return tx.Commit()

	case "set":
		if len(args) != 2 {
			return fmt.Errorf("set requires a key and a value")
		}
		if err := tx.Set(ctx, []byte(args[0]), []byte(args[1])); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("delete requires exactly one key")
		}
		if err := tx.Delete(ctx, []byte(args[0])); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()

	case "next":
		if len(args) != 1 {
			return fmt.Errorf("next requires exactly one from-key")
		}
		key, value, found, err := tx.Next(ctx, []byte(args[0]))
		if err != nil {
			tx.Rollback()
			return err
		}
		if !found {
			tx.Rollback()
			fmt.Println("(none)")
			return nil
		}
		fmt.Printf("%s=%s\n", key, value)
		return tx.Commit()

	default:
		tx.Rollback()
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
