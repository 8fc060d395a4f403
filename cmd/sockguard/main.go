package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/agentsh/sockguard/internal/cli"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	c := strings.TrimSpace(commit)
	if c == "" || strings.EqualFold(c, "unknown") {
		return v
	}
	// git-describe output already carries the commit.
	if strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

// exitCode reports err on stderr and maps it to a process exit code.
func exitCode(stderr io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var ee *cli.ExitError
	if errors.As(err, &ee) {
		if msg := ee.Message(); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		return ee.Code()
	}
	fmt.Fprintln(stderr, err.Error())
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.NewRoot(versionString()).ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(os.Stderr, err))
}
