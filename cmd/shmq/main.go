// Command shmq produces to, consumes from, inspects and serves shared memory
// queues.
//
//	shmq produce -name q [-count N -size S] [msg...]   (stdin lines without msg)
//	shmq consume -name q [-n K] [-wait]
//	shmq inspect -name q
//	shmq unlink  -name q
//	shmq serve   -name q [-addr :9108] [-drain]
//
// Every flag defaults to the matching SHMQ_* environment variable.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/srediag/shmq/internal/logging"
)

var logger = logging.New("shmq", os.Stderr)

const usage = `usage: shmq <command> [flags]

commands:
  produce   enqueue the arguments, or stdin lines when there are none
  consume   dequeue and print messages
  inspect   print the header of a queue segment
  unlink    remove a queue segment
  serve     expose /live, /ready and /metrics for a queue
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command func(ctx context.Context, cfg *Config, args []string, stdin io.Reader, stdout, stderr io.Writer) error

var commands = map[string]command{
	"produce": runProduce,
	"consume": runConsume,
	"inspect": runInspect,
	"unlink":  runUnlink,
	"serve":   runServe,
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := cmd(ctx, cfg, args[1:], stdin, stdout, stderr); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(stderr, "shmq %s: %v\n", args[0], err)
		return 1
	}
	return 0
}
