// CLI to inspect and repair the engine's bbolt SL-state checkpoint.
//
// Usage:
//
//	go run ./tools/dumpstate -db <state.db>                  # list all tickets
//	go run ./tools/dumpstate -db <state.db> -ticket 12345    # one ticket
//	go run ./tools/dumpstate -db <state.db> -delete 12345    # drop a ticket (operator reset)
//
// Notes:
//   - A DISABLED ticket (repeated verification failures) is reset by
//     deleting its checkpoint and restarting; the engine re-seeds from the
//     broker-reported stop.
//   - Read-only unless -delete is given.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chidi150c/sltrader/internal/journal"
)

func main() {
	var dbPath string
	var ticket int64
	var del int64
	flag.StringVar(&dbPath, "db", "state.db", "Path to the bbolt checkpoint")
	flag.Int64Var(&ticket, "ticket", 0, "Show a single ticket")
	flag.Int64Var(&del, "delete", 0, "Delete a ticket's checkpoint (operator reset)")
	flag.Parse()

	store, err := journal.OpenState(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case del != 0:
		if err := store.Delete(del); err != nil {
			fmt.Fprintf(os.Stderr, "delete %d: %v\n", del, err)
			os.Exit(1)
		}
		fmt.Printf("deleted ticket=%d\n", del)
	case ticket != 0:
		st, found, err := store.Get(ticket)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get %d: %v\n", ticket, err)
			os.Exit(1)
		}
		if !found {
			fmt.Printf("ticket=%d not checkpointed\n", ticket)
			return
		}
		print(ticket, st)
	default:
		err := store.ForEach(func(t int64, st journal.TicketState) error {
			print(t, st)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			os.Exit(1)
		}
	}
}

func print(ticket int64, st journal.TicketState) {
	fmt.Printf("ticket=%d peak_profit_usd=%.2f last_applied_sl=%.5f reason=%s updated_at=%s\n",
		ticket, st.PeakProfitUSD, st.LastAppliedSL, st.LastAppliedReason, st.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
}
