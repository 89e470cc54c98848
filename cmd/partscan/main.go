// Command partscan scans tables stored in a filesystem bucket.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
)

func main() {
	app := kingpin.New("partscan", "A tool to load and scan partitioned tables.")
	app.HelpFlag.Short('h')

	addScanCommand(app)
	addLoadCommand(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}

func exitWithErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
