package memtrack

import (
	"fmt"
	"html"
	"io"
	"os"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

type leakReportGroup struct {
	file       string
	entries    []AllocationInfo
	totalBytes int
}

// collectLeakGroups snapshots the live allocations grouped by source file,
// with deterministic ordering. Every visited record is marked Reported.
func (d *LeakDetector) collectLeakGroups() []leakReportGroup {
	byFile := make(map[string]*leakReportGroup)

	_ = d.EnumerateAllocations(func(info *AllocationInfo) error {
		group, ok := byFile[info.File]
		if !ok {
			group = &leakReportGroup{file: info.File}
			byFile[info.File] = group
		}
		group.entries = append(group.entries, *info)
		group.totalBytes += info.Size
		info.Reported = true
		return nil
	})

	groups := make([]leakReportGroup, 0, len(byFile))
	for _, group := range byFile {
		slices.SortFunc(group.entries, func(a, b AllocationInfo) bool {
			if a.Line != b.Line {
				return a.Line < b.Line
			}
			return a.Index < b.Index
		})
		groups = append(groups, *group)
	}

	slices.SortFunc(groups, func(a, b leakReportGroup) bool {
		return a.file < b.file
	})

	return groups
}

// WriteLeakReport writes a human-readable html report of every live
// tracked allocation, grouped by source file.
func (d *LeakDetector) WriteLeakReport(w io.Writer) error {
	groups := d.collectLeakGroups()

	leakCount := 0
	leakBytes := 0
	for i := range groups {
		leakCount += len(groups[i].entries)
		leakBytes += groups[i].totalBytes
	}

	_, err := fmt.Fprintf(w, "<html><head><title>Leaked allocations</title></head><body>\n"+
		"<h1>Leaked allocations: %d (%d bytes)</h1>\n", leakCount, leakBytes)
	if err != nil {
		return err
	}

	for i := range groups {
		group := &groups[i]
		file := group.file
		if file == "" {
			file = "(unknown source)"
		}

		_, err = fmt.Fprintf(w, "<h2>%s &mdash; %d allocations, %d bytes</h2>\n"+
			"<table border=\"1\"><tr><th>Line</th><th>Index</th><th>Size</th><th>Static init</th></tr>\n",
			html.EscapeString(file), len(group.entries), group.totalBytes)
		if err != nil {
			return err
		}

		for _, entry := range group.entries {
			staticInit := ""
			if entry.InStaticInit {
				staticInit = "yes"
			}
			_, err = fmt.Fprintf(w, "<tr><td>%d</td><td>%d</td><td>%d</td><td>%s</td></tr>\n",
				entry.Line, entry.Index, entry.Size, staticInit)
			if err != nil {
				return err
			}
		}

		_, err = fmt.Fprintf(w, "</table>\n")
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w, "</body></html>\n")
	return err
}

// WriteLeakReportFile writes the html leak report to path, replacing any
// previous report.
func (d *LeakDetector) WriteLeakReportFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writeErr := d.WriteLeakReport(file)
	closeErr := file.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// BuildLeaksString writes the live allocation set as a json array, in the
// same grouped order as the html report.
func (d *LeakDetector) BuildLeaksString(writer *jwriter.Writer) {
	groups := d.collectLeakGroups()

	arr := writer.Array()
	defer arr.End()

	for i := range groups {
		group := &groups[i]

		obj := arr.Object()
		obj.Name("File").String(group.file)
		obj.Name("TotalBytes").Int(group.totalBytes)

		entries := obj.Name("Allocations").Array()
		for _, entry := range group.entries {
			entryObj := entries.Object()
			entryObj.Name("Line").Int(entry.Line)
			entryObj.Name("Index").Int(int(entry.Index))
			entryObj.Name("Size").Int(entry.Size)
			entryObj.Name("InStaticInit").Bool(entry.InStaticInit)
			entryObj.End()
		}
		entries.End()
		obj.End()
	}
}
