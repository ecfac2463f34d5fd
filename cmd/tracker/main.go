// Command tracker inspects and repairs the export tracker table.
package main

import (
	"fmt"
	"os"

	"github.com/coachpo/sqs-entity-resolution/internal/app/bootstrap"
)

func main() {
	ctx, cancel := bootstrap.SignalContext()
	err := newRootCommand(openPostgresStore).ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
