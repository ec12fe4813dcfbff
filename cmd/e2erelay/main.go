// Command e2erelay talks to a relay node: liveness probes, secret
// handshakes and end-to-end encrypted forwards.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/floegence/e2erelay/internal/cmdutil"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	root := newRootCmd(stdin)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "e2erelay: %v\n", err)
	}
	return cmdutil.ExitCode(err)
}
