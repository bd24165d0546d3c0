// Command textstats prints word statistics for text read from stdin.
//
// By default each input line is analyzed separately, which makes the command
// usable interactively. With -whole the entire input is one text.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/keithlinneman/slidegate/internal/textstats"
	v "github.com/keithlinneman/slidegate/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("textstats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	whole := fs.Bool("whole", false, "analyze all of stdin as one text")
	compact := fs.Bool("compact", false, "single-line JSON output")
	showVersion := fs.Bool("V", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		vi := v.Get()
		fmt.Fprintf(stdout, "textstats %s (commit=%s)\n", vi.Version, vi.ShortCommit())
		return 0
	}

	enc := json.NewEncoder(stdout)
	if !*compact {
		enc.SetIndent("", "  ")
	}

	if *whole {
		b, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintln(stderr, "read stdin:", err)
			return 1
		}
		if err := enc.Encode(textstats.Analyze(string(b))); err != nil {
			fmt.Fprintln(stderr, "write:", err)
			return 1
		}
		return 0
	}

	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		if err := enc.Encode(textstats.Analyze(sc.Text())); err != nil {
			fmt.Fprintln(stderr, "write:", err)
			return 1
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(stderr, "read stdin:", err)
		return 1
	}
	return 0
}
