// Command omnikeeper administers a layered CMDB: layers, facts, merged
// reads, traits and layer archives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "close:", cerr)
	}
	stop()
	if err != nil {
		os.Exit(1)
	}
}
