// Command pdtar plans and streams pax-format archives in parallel across
// a group of cooperating processes, coordinating through either an
// in-process group (-ranks) or a gRPC coordinator (-coordinator).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pdtar/pdtar/internal/runctx"
)

type verb struct {
	fn   func(ctx context.Context, args []string) error
	help string
}

func funcmain() error {
	verbs := map[string]verb{
		"create":      {create, "create an archive from a set of paths"},
		"extract":     {extract, "extract an archive into a destination directory"},
		"coordinator": {coordinator, "run the gRPC collective coordinator for a remote group"},
	}

	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "pdtar <command> [options]\n\n")
		for name, v := range verbs {
			fmt.Fprintf(os.Stderr, "\t%-12s %s\n", name, v.help)
		}
		os.Exit(2)
	}

	v, ok := verbs[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}

	ctx, canc := runctx.InterruptibleContext()
	defer canc()
	return v.fn(ctx, args[1:])
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, "pdtar: "+err.Error())
		os.Exit(1)
	}
}
