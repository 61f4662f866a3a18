// Command flashprog is the CLI frontend over the chip-access, erase/
// write-planning and protection engine in internal/. Flag parsing
// follows the teacher's main.go usage of github.com/pborman/getopt/v2;
// everything past flag resolution is this module's own engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	getopt "github.com/pborman/getopt/v2"

	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/exitcode"
	"github.com/flashprog/flashprog/internal/logging"
	"github.com/flashprog/flashprog/internal/paramstring"
)

const version = "flashprog 1.0"

// stringList accumulates repeated occurrences of a flag, implementing
// getopt's Value interface for --image (§6 "--image <region>
// (repeatable)").
type stringList struct{ values []string }

func (s *stringList) Set(value string, _ getopt.Option) error {
	s.values = append(s.values, value)
	return nil
}

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(s.values, ",")
}

type options struct {
	opRead          *bool
	opWrite         *bool
	opVerify        *bool
	opErase         *bool
	opListSupported *bool
	opListWiki      *bool
	opHelp          *bool
	opVersion       *bool

	programmer *string
	chipName   *string
	layoutFile *string
	fmapOnROM  *bool
	fmapFile   *string
	ifd        *bool
	images     *stringList

	flashContents *string
	force         *bool
	noVerify      *bool
	noVerifyAll   *bool
	verbose       *bool
	output        *string
	confirm       *bool
}

func parseFlags() *options {
	o := &options{
		opRead:          getopt.BoolLong("read", 'r', "Read flash and save to <file>"),
		opWrite:         getopt.BoolLong("write", 'w', "Write <file> to flash"),
		opVerify:        getopt.BoolLong("verify", 'v', "Verify flash against <file>"),
		opErase:         getopt.BoolLong("erase", 'E', "Erase flash"),
		opListSupported: getopt.BoolLong("list-supported", 'L', "Print supported chips and exit"),
		opListWiki:      getopt.BoolLong("list-wiki", 'z', "Print supported chips as a wiki table and exit"),
		opHelp:          getopt.BoolLong("help", 'h', "Show this help"),
		opVersion:       getopt.BoolLong("version", 'R', "Show version and exit"),

		programmer: getopt.StringLong("programmer", 'p', "dummy", "Programmer name[:k=v,...]"),
		chipName:   getopt.StringLong("chip", 'c', "", "Probe only for the named chip"),
		layoutFile: getopt.StringLong("layout", 'l', "", "Read layout from <file>"),
		fmapOnROM:  getopt.BoolLong("fmap", 0, "Read layout from an FMAP discovered on the chip"),
		fmapFile:   getopt.StringLong("fmap-file", 0, "", "Read layout from an FMAP in <file>"),
		ifd:        getopt.BoolLong("ifd", 0, "Read layout from an Intel Flash Descriptor (not supported by this engine)"),
		images:     &stringList{},

		flashContents: getopt.StringLong("flash-contents", 0, "", "Assume current chip contents are <file>"),
		force:         getopt.BoolLong("force", 'f', "Force operation despite warnings"),
		noVerify:      getopt.BoolLong("noverify", 'n', "Don't verify after writing"),
		noVerifyAll:   getopt.BoolLong("noverify-all", 0, "Don't verify the whole chip, only the written regions"),
		verbose:       getopt.BoolLong("verbose", 'V', "Verbose debug logging"),
		output:        getopt.StringLong("output", 'o', "", "Log to <file> instead of stderr"),
		confirm:       getopt.BoolLong("wait-for-confirm", 0, "Prompt for confirmation before erasing or writing"),
	}
	getopt.FlagLong(o.images, "image", 'i', "Flash region to operate on (repeatable)")
	getopt.Parse()
	return o
}

func main() {
	o := parseFlags()

	logOut := os.Stderr
	if *o.output != "" {
		f, err := os.Create(*o.output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flashprog: cannot create log file %q: %v\n", *o.output, err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	level := logging.LevelInfo
	if *o.verbose {
		level = logging.LevelDebug2
	}
	logger := logging.New(logOut, level, *o.verbose)
	slog.SetDefault(logger)

	switch {
	case *o.opHelp:
		getopt.Usage()
		os.Exit(0)
	case *o.opVersion:
		fmt.Println(version)
		os.Exit(0)
	case *o.opListSupported:
		printSupportedTable(os.Stdout)
		os.Exit(0)
	case *o.opListWiki:
		printSupportedWiki(os.Stdout)
		os.Exit(0)
	}

	nOps := boolCount(*o.opRead, *o.opWrite, *o.opVerify, *o.opErase)
	if nOps != 1 {
		fmt.Fprintln(os.Stderr, "flashprog: specify exactly one of --read, --write, --verify, --erase")
		getopt.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	err := run(ctx, o, logger)
	if err != nil {
		logger.Error(err.Error())
	}
	os.Exit(exitcode.For(err))
}

func boolCount(bs ...bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

// getoptArgsImpl returns the non-flag positional arguments (the image
// file for --read/--write/--verify).
func getoptArgsImpl() []string {
	return getopt.Args()
}

func resolveChip(name string) (*chip.Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("flashprog: --chip is required for this operation")
	}
	d, ok := chip.Database[name]
	if !ok {
		return nil, fmt.Errorf("flashprog: unknown chip %q", name)
	}
	return d, nil
}

func parseProgrammer(spec string) (name string, params map[string]string, err error) {
	parts := strings.SplitN(spec, ":", 2)
	name = parts[0]
	if len(parts) == 1 {
		return name, map[string]string{}, nil
	}
	params, err = paramstring.Parse(parts[1])
	return name, params, err
}
