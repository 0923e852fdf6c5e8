package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"github.com/quantfold/tradeagent/internal/journal"
)

// Replays a journal file and prints a per-decision account of what happened:
// order transitions in sequence, fills, and totals. Useful after an incident
// to see exactly what the agent did and why.
func main() {
	log.SetFlags(0)

	var path string
	var horizon int
	var key string
	flag.StringVar(&path, "journal", "data/journal.jsonl", "journal path")
	flag.IntVar(&horizon, "horizon-seconds", 300, "decision dedup horizon")
	flag.StringVar(&key, "key", "", "only show entries for this decision key")
	flag.Parse()

	jnl, err := journal.New(path, horizon)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}

	var decisions, orders, fills int
	var filledUSD float64

	err = jnl.Replay(func(e journal.Entry) error {
		switch e.Type {
		case "decision":
			var rec journal.DecisionRecord
			if err := json.Unmarshal(e.Data, &rec); err != nil {
				return err
			}
			if key != "" && rec.Key != key {
				return nil
			}
			decisions++
			fmt.Printf("%s decision %s %s %s conf=%.2f cancel=%v\n",
				e.Event.Format("15:04:05"), rec.Key, rec.Instrument, rec.Direction, rec.Confidence, rec.Cancel)
		case "order":
			var rec journal.OrderRecord
			if err := json.Unmarshal(e.Data, &rec); err != nil {
				return err
			}
			if key != "" && rec.DecisionKey != key {
				return nil
			}
			orders++
			line := fmt.Sprintf("%s   order %s -> %s", e.Event.Format("15:04:05"), rec.DecisionKey, rec.State)
			if rec.Reason != "" {
				line += " (" + rec.Reason + ")"
			}
			if rec.Attempt > 1 {
				line += fmt.Sprintf(" attempt=%d", rec.Attempt)
			}
			fmt.Println(line)
		case "fill":
			var rec journal.FillRecord
			if err := json.Unmarshal(e.Data, &rec); err != nil {
				return err
			}
			if key != "" && rec.DecisionKey != key {
				return nil
			}
			fills++
			filledUSD += rec.Quantity * rec.Price
			fmt.Printf("%s   fill  %s qty=%.4f @ %.2f\n",
				e.Event.Format("15:04:05"), rec.Instrument, rec.Quantity, rec.Price)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	fmt.Printf("\n%d decisions, %d order transitions, %d fills, net notional %.2f USD\n",
		decisions, orders, fills, filledUSD)
}
