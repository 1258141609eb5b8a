// Command fleetctl is the operator CLI of the fleet server: it submits order
// batches and follows the live P&L push channel.
package main

import (
	"os"

	_ "time/tzdata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
