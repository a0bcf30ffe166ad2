// Command listenetl loads listen-history JSON exports into a star-schema warehouse.
//
// Exit status is 0 when a run completes (skipped files included) and 1 on fatal
// errors or invalid configuration.
package main

import (
	"os"

	// register all backends with the storage factory; config picks one.
	_ "listenetl/internal/storage/all"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
