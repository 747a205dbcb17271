package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/loopr/internal/control"
	"github.com/loykin/loopr/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// outcomeView carries the error text that control.StopOutcome omits from
// its JSON form.
func outcomeView(o control.StopOutcome) client.StopOutcome {
	return client.StopOutcome{
		Name:   o.Name,
		PID:    o.PID,
		State:  string(o.State),
		Status: string(o.Status),
		Error:  o.Error(),
	}
}

func stopAllView(r control.StopAllResult) client.StopAllResult {
	out := client.StopAllResult{OK: r.OK(), Outcomes: make([]client.StopOutcome, 0, len(r.Outcomes))}
	for _, o := range r.Outcomes {
		out.Outcomes = append(out.Outcomes, outcomeView(o))
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}
