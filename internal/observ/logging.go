package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// Critical logs an event at the highest severity and bumps a single counter
// so alerting can key off one metric.
func Critical(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["severity"] = "critical"
	IncCounter("critical_events_total", map[string]string{"event": event})
	Log(event, kv)
}
