// kbdmon-replay replays scenario files through the keyboard classifier and
// prints one line per step.
//
// Usage:
//
//	kbdmon-replay [-q] [-validate] scenario.yaml...
//
// The exit status is 1 when any expectation fails or a file is invalid.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"kbdmon/internal/scenario"
)

func main() {
	quiet := flag.Bool("q", false, "Only print failures and the summary")
	validateOnly := flag.Bool("validate", false, "Validate files without replaying them")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: kbdmon-replay [-q] [-validate] scenario.yaml...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if !replayFiles(os.Stdout, flag.Args(), *quiet, *validateOnly) {
		os.Exit(1)
	}
}

// replayFiles reports whether every file passed.
func replayFiles(w io.Writer, paths []string, quiet, validateOnly bool) bool {
	passed, failed := 0, 0
	for _, path := range paths {
		if replayFile(w, path, quiet, validateOnly) {
			passed++
		} else {
			failed++
		}
	}
	fmt.Fprintf(w, "%d passed, %d failed\n", passed, failed)
	return failed == 0
}

func replayFile(w io.Writer, path string, quiet, validateOnly bool) bool {
	sc, err := scenario.Load(path)
	if err != nil {
		fmt.Fprintf(w, "INVALID %v\n", err)
		return false
	}
	if validateOnly {
		if !quiet {
			fmt.Fprintf(w, "ok      %s (%s)\n", path, sc.Name)
		}
		return true
	}

	report, err := scenario.Replay(sc)
	if err != nil {
		fmt.Fprintf(w, "ERROR   %s: %v\n", path, err)
		return false
	}

	ok := report.Passed()
	if !quiet || !ok {
		fmt.Fprintf(w, "== %s (%s)\n", sc.Name, path)
		for _, st := range report.Steps {
			if quiet && st.Passed() {
				continue
			}
			fmt.Fprintln(w, st.Format())
		}
	}
	if ok {
		if !quiet {
			fmt.Fprintf(w, "PASS    %s\n", path)
		}
	} else {
		fmt.Fprintf(w, "FAIL    %s\n", path)
	}
	return ok
}
