// Command ember runs the Ember session authority and realtime gateway.
package main

import (
	"fmt"
	"os"

	"ember/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "ember:", err)
		os.Exit(1)
	}
}
