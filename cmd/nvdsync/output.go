package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/ahrav/nvdsync/internal/domain/scap"
)

var (
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

const (
	summaryWidth = 80
	tableTime    = "2006-01-02 15:04"
)

// printSummary writes one status line and a per-window table for each run.
func printSummary(w io.Writer, reports []*scap.RunReport) {
	for _, r := range reports {
		applied, unchanged, skipped := r.Totals()
		status := green("ok")
		switch {
		case !r.Succeeded():
			status = red("failed")
		case r.Partial:
			status = yellow("partial")
		case len(r.Windows) == 0:
			status = green("up to date")
		}
		fmt.Fprintf(w, "%s %s: %d applied, %d unchanged, %d skipped in %s\n",
			status, r.Type, applied, unchanged, skipped, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

		if len(r.Windows) > 0 {
			table := tablewriter.NewWriter(w)
			table.SetHeader([]string{"Since", "Until", "Pages", "Applied", "Unchanged", "Skipped", "Committed"})
			for _, wr := range r.Windows {
				committed := green("yes")
				if !wr.Committed {
					committed = red("no")
				}
				table.Append([]string{
					wr.Since.Format(tableTime),
					wr.Until.Format(tableTime),
					strconv.Itoa(wr.Pages),
					strconv.Itoa(wr.Applied),
					strconv.Itoa(wr.Unchanged),
					strconv.Itoa(wr.Skipped),
					committed,
				})
			}
			table.Render()
		}

		if r.Checkpoint != nil {
			fmt.Fprintf(w, "checkpoint: %s\n", r.Checkpoint.Format(time.RFC3339))
		}
		if r.Error != "" {
			fmt.Fprintf(w, "%s %s\n", red("error:"), r.Error)
		}
	}
}

// printEntities renders search results as a table.
func printEntities(w io.Writer, t scap.EntityType, entities []scap.Entity) {
	table := tablewriter.NewWriter(w)
	table.SetRowLine(true)

	switch t {
	case scap.EntityTypeCPE:
		table.SetHeader([]string{"CPE Name", "Title", "Last Modified", "Deprecated"})
	case scap.EntityTypeCPEMatch:
		table.SetHeader([]string{"Match Criteria ID", "Criteria", "Last Modified", "Inactive"})
	default:
		table.SetHeader([]string{"CVE ID", "Published", "Last Modified", "Summary", "Rejected"})
	}

	for _, e := range entities {
		flag := ""
		if e.Deprecated {
			flag = red("yes")
		}
		if t == scap.EntityTypeCPE || t == scap.EntityTypeCPEMatch {
			table.Append([]string{e.Key, e.Summary, e.LastModified.Format(tableTime), flag})
			continue
		}
		table.Append([]string{
			e.Key,
			e.Published.Format(tableTime),
			e.LastModified.Format(tableTime),
			truncate(e.Summary, summaryWidth),
			flag,
		})
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + " ..."
}
