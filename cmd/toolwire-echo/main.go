// Toolwire-echo is a reference tool server speaking the toolwire wire
// protocol on stdin and stdout. It serves echo, add, sleep, fail, hang and
// crash, and is useful for trying out a toolwire config or exercising
// client timeouts and crash handling.
//
// Usage:
//
//	toolwire-echo [-framing line|header] [-name <server-name>] [-log-level <level>]
//
// Logs go to stderr; stdout carries protocol traffic only.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/toolwire/internal/buildinfo"
	"github.com/nugget/toolwire/internal/config"
	"github.com/nugget/toolwire/internal/mcp"
	"github.com/nugget/toolwire/internal/toolserver"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run serves one client on stdin/stdout until the input closes or ctx is
// cancelled.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	framing := "line"
	name := "toolwire-echo"
	level := "warn"

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-framing" && i+1 < len(args):
			framing = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-framing="):
			framing = strings.TrimPrefix(args[i], "-framing=")
		case args[i] == "-name" && i+1 < len(args):
			name = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-name="):
			name = strings.TrimPrefix(args[i], "-name=")
		case args[i] == "-log-level" && i+1 < len(args):
			level = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			level = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-version" || args[i] == "--version":
			fmt.Fprintln(stderr, buildinfo.String())
			return nil
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	f, err := mcp.ParseFraming(framing)
	if err != nil {
		return err
	}
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	// Closing stdin unblocks the reader when ctx is cancelled.
	var closer func() error
	if c, ok := stdin.(io.Closer); ok {
		closer = c.Close
	}
	conn := mcp.NewStreamConn(stdin, stdout, f, 0, closer)
	srv := toolserver.New(toolserver.Options{
		Name:    name,
		Version: buildinfo.Version,
		Logger:  logger,
	})
	logger.Info("serving tools", "name", name, "framing", f)
	return srv.Serve(ctx, conn)
}
