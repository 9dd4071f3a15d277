package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	fcolor "github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

func printStructured(w io.Writer, v any) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		return true, yaml.NewEncoder(w).Encode(v)
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("%w: unknown output format %q", models.ErrValidation, outputFormat)
}

func syncColor(s models.TargetStatus) string {
	switch {
	case s.State == models.StateDegraded:
		return fcolor.RedString(string(s.SyncStatus))
	case s.SyncStatus == models.Synced:
		return fcolor.GreenString(string(s.SyncStatus))
	case s.SyncStatus == models.OutOfSync:
		return fcolor.YellowString(string(s.SyncStatus))
	}
	return string(s.SyncStatus)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	if h == "" {
		return "-"
	}
	return h
}

func printStatuses(w io.Writer, statuses []models.TargetStatus) error {
	if done, err := printStructured(w, statuses); done {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSYNC\tSTATE\tSEQ\tDECLARED\tLIVE\tHEALTH\tOBSERVED\tERROR")
	for _, s := range statuses {
		observed := "-"
		if s.ObservedAt != nil {
			observed = time.Since(*s.ObservedAt).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Target,
			syncColor(s),
			s.State,
			s.DeclaredSeq,
			shortHash(s.DeclaredHash),
			shortHash(s.LiveHash),
			s.Health,
			observed,
			s.LastError,
		)
	}
	return tw.Flush()
}

func printRevisions(w io.Writer, revisions []models.Revision) error {
	if done, err := printStructured(w, revisions); done {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tHASH\tIMAGE\tCOMMITTED")
	for _, rev := range revisions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			rev.Seq,
			shortHash(rev.Hash),
			rev.Document.Image,
			rev.CommittedAt.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

func printObservations(w io.Writer, observations []models.Observation) error {
	if done, err := printStructured(w, observations); done {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tDIGEST\tDISCOVERED\tPROMOTED")
	for _, obs := range observations {
		promoted := "-"
		if obs.PromotedAt != nil {
			promoted = obs.PromotedAt.Format(time.RFC3339)
		}
		digest := obs.Version.Digest
		if digest == "" {
			digest = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			obs.Version.Tag,
			digest,
			obs.Version.DiscoveredAt.Format(time.RFC3339),
			promoted,
		)
	}
	return tw.Flush()
}
