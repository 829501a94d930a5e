package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/loykin/gridwarden/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStatuses(w io.Writer, sts []client.ProcessStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HOST\tROLE\tDESIRED\tRUNNING\tPID\tLAST ACTION")
	for _, s := range sts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%s\n", s.Host, s.Role, s.Desired, s.Running, pidString(s.PID), timeString(s.LastAction))
	}
	return tw.Flush()
}

func printHosts(w io.Writer, hosts []client.Host) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKIND\tADDRESS\tREACHABLE\tIDLE\tWORKDIR")
	for _, h := range hosts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\n", h.ID, h.Kind, dash(h.Address), h.Reachable, h.Idle, h.Workdir)
	}
	return tw.Flush()
}

func printResults(w io.Writer, res []client.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HOST\tROLE\tOUTCOME\tERROR")
	for _, r := range res {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Host, r.Role, r.Outcome, dash(r.Error))
	}
	return tw.Flush()
}

// printLog prints entries oldest first.
func printLog(w io.Writer, entries []client.LogEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		_, _ = fmt.Fprintf(w, "%s  %s\n", e.Time.Local().Format(time.DateTime), e.Message)
	}
}

func pidString(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
