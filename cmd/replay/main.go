package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/signalops/truthengine/internal/tracker"
	"github.com/signalops/truthengine/internal/truthlog"
)

// Forensic replay of a truth log: prints one line per entry and closes
// with the aggregate outcome counts derived purely from the log.
func main() {
	log.SetFlags(0)
	var (
		path    string
		verbose bool
	)
	flag.StringVar(&path, "log", "data/truth.jsonl", "truth log to replay")
	flag.BoolVar(&verbose, "v", false, "print full records as JSON")
	flag.Parse()

	counts := map[tracker.Outcome]int{}
	generated := 0

	err := truthlog.Replay(path, func(e truthlog.Entry) error {
		var rec tracker.SignalRecord
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			return err
		}
		switch e.Type {
		case "generation":
			generated++
			fmt.Printf("%s  GEN  %-10s %-6s %s entry=%.5f stop=%.5f target=%.5f\n",
				e.Event.Format("2006-01-02T15:04:05Z"), rec.SignalID, rec.Symbol,
				rec.Direction, rec.Entry, rec.Stop, rec.Target)
		case "completion":
			counts[rec.Outcome]++
			fmt.Printf("%s  END  %-10s %-6s %-9s via %-7s pips=%+.1f target%%=%.1f eff=%.0f whipsaw=%v trap=%v\n",
				e.Event.Format("2006-01-02T15:04:05Z"), rec.SignalID, rec.Symbol,
				rec.Outcome, rec.ExitMechanism, rec.PipsResult, rec.PercentOfTarget,
				rec.Efficiency, rec.Whipsawed, rec.Trapped)
		}
		if verbose {
			full, _ := json.MarshalIndent(rec, "", "  ")
			fmt.Println(string(full))
		}
		return nil
	})
	if err != nil {
		log.Printf("replay: %v", err)
		os.Exit(1)
	}

	fmt.Printf("\ngenerated=%d", generated)
	for _, o := range []tracker.Outcome{tracker.OutcomeWin, tracker.OutcomeLoss, tracker.OutcomeExpired, tracker.OutcomeCancelled} {
		if counts[o] > 0 {
			fmt.Printf(" %s=%d", o, counts[o])
		}
	}
	fmt.Println()
}
