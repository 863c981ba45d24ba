package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/effective-security/xwallet/cmd/hsm-tool/cli"
	"github.com/effective-security/xwallet/internal/version"
	"github.com/effective-security/xwallet/metricskey"
	"github.com/effective-security/xwallet/x/ctl"
)

type app struct {
	cli.Cli

	Version ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`

	Hsm cli.HsmCmd `cmd:"" help:"HSM commands"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("hsm-tool"),
		kong.Description("CLI tool for key pairs custody on HSM"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}

		started := time.Now()
		err = ctx.Run(&cl.Cli)
		metricskey.PerfCLICommand.MeasureSince(started, ctx.Command())

		if cerr := cl.Cli.Close(); cerr != nil && err == nil {
			err = cerr
		}
		ctx.FatalIfErrorf(err)
	}
}
