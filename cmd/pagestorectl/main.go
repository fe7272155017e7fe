package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	pagestore "github.com/relaydb/pagestore"
	"github.com/relaydb/pagestore/internal/broker"
	"github.com/relaydb/pagestore/internal/pkg/logging"
)

const cliName = "pagestorectl"

func printPrompt() {
	fmt.Print(cliName, "> ")
}

func sanitizeReplInput(input string) string {
	return strings.TrimSpace(input)
}

type metaCommand int

const (
	unknown metaCommand = iota + 1
	help
	exit
	listQueues
)

func isMetaCommand(input string) bool {
	return len(input) > 0 && input[:1] == "."
}

func doMetaCommand(input string) metaCommand {
	switch input {
	case "help":
		return help
	case "exit":
		return exit
	case "queues":
		return listQueues
	default:
		return unknown
	}
}

const defaultDirectory = "pagestorectl-data"

func main() {
	logConf := logging.DefaultConfig()

	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		panic(err)
	}
	logConf.Level = zap.NewAtomicLevelAt(level)

	logger, err := logConf.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dir := defaultDirectory
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	cfg := pagestore.DefaultConfig(dir)
	cfg.LogLevel = levelStr
	store, err := pagestore.Open(cfg)
	if err != nil {
		panic(err)
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)

	go func() {
		defer wg.Done()
		reader := bufio.NewScanner(os.Stdin)
		printPrompt()

		for reader.Scan() {
			input := sanitizeReplInput(reader.Text())
			if isMetaCommand(input) {
				switch doMetaCommand(input[1:]) {
				case help:
					fmt.Println(".help              - show available commands")
					fmt.Println(".exit              - close the program")
					fmt.Println(".queues            - list known queue keys")
					fmt.Println("addqueue           - register a new queue")
					fmt.Println("store <body>       - store a message, print its key")
					fmt.Println("enqueue <q> <seq> <msg>  - enqueue msg onto queue q at seq")
					fmt.Println("dequeue <q> <seq> <msg>  - dequeue msg from queue q at seq")
				case exit:
					return
				case listQueues:
					for _, q := range store.ListQueues() {
						fmt.Println(uint64(q))
					}
				case unknown:
					fmt.Printf("unrecognized meta command: %s\n", input)
				}
				printPrompt()
				continue
			}

			runCommand(store, input)
			printPrompt()
		}
		fmt.Println()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	if err := store.Close(); err != nil {
		fmt.Printf("error closing store: %s\n", err)
	}

	wg.Wait()
}

func runCommand(store *pagestore.Store, input string) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "addqueue":
		fmt.Println(uint64(store.AddQueue()))

	case "store":
		body := strings.Join(fields[1:], " ")
		u := store.CreateStoreUOW()
		key := store.NextMessageKey()
		u.Store(key, []byte(body))
		u.OnComplete(func(failed bool) {
			if failed {
				fmt.Printf("store %d failed\n", key)
			}
		})
		store.SubmitUOW(u)
		fmt.Println(uint64(key))

	case "enqueue":
		if len(fields) != 4 {
			fmt.Println("usage: enqueue <queue> <seq> <message>")
			return
		}
		q, seq, msg, err := parseEntryArgs(fields[1:])
		if err != nil {
			fmt.Println(err)
			return
		}
		u := store.CreateStoreUOW()
		u.Enqueue(broker.QueueEntryRecord{Queue: q, Seq: seq, Message: msg})
		store.SubmitUOW(u)

	case "dequeue":
		if len(fields) != 4 {
			fmt.Println("usage: dequeue <queue> <seq> <message>")
			return
		}
		q, seq, msg, err := parseEntryArgs(fields[1:])
		if err != nil {
			fmt.Println(err)
			return
		}
		u := store.CreateStoreUOW()
		u.Dequeue(broker.QueueEntryRecord{Queue: q, Seq: seq, Message: msg})
		store.SubmitUOW(u)

	default:
		fmt.Printf("unrecognized command: %s\n", fields[0])
	}
}

func parseEntryArgs(args []string) (broker.QueueKey, broker.QueueSeq, broker.MessageKey, error) {
	q, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid queue key %q: %w", args[0], err)
	}
	seq, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid sequence %q: %w", args[1], err)
	}
	msg, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid message key %q: %w", args[2], err)
	}
	return broker.QueueKey(q), broker.QueueSeq(seq), broker.MessageKey(msg), nil
}
