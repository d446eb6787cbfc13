package app

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/gookit/color"
	"github.com/vk/bootstrapgo/internal/orchestrator"
	"github.com/vk/bootstrapgo/internal/scheduler"
)

func printBootstrapSummary(w io.Writer, res *orchestrator.Result) {
	if res == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %d packages discovered, %d built, %d from cache, %d pre-built, %d reused\n",
		color.Cyan.Sprint("->"), res.Graph.Len(), res.Built, res.CacheHits, res.PreBuilt, res.Reused)

	reqs := make([]string, 0, len(res.Versions))
	for req := range res.Versions {
		reqs = append(reqs, req)
	}
	sort.Strings(reqs)
	for _, req := range reqs {
		fmt.Fprintf(w, "  %s %s == %s\n", color.Green.Sprint("ok"), req, res.Versions[req])
	}
	for _, c := range res.Cycles {
		fmt.Fprintf(w, "  %s install cycle %s\n", color.Yellow.Sprint("!!"), c)
	}
	if len(res.Failures) == 0 {
		return
	}
	fmt.Fprintf(w, "%s %s\n", color.Red.Sprint("->"), color.Red.Sprint("Failed requirements:"))
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  - %-20s: %v\n", f.Requirement(), f.Err)
	}
}

func printBuildSummary(w io.Writer, report *scheduler.Report) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s succeeded, %s failed, %s skipped in %s\n",
		color.Cyan.Sprint("->"),
		color.Green.Sprint(report.Count(scheduler.Succeeded)),
		color.Red.Sprint(report.Count(scheduler.Failed)),
		color.Yellow.Sprint(report.Count(scheduler.Skipped)),
		report.Duration.Round(time.Millisecond),
	)
	for _, k := range report.Keys(scheduler.Failed) {
		fmt.Fprintf(w, "  - %-20s: %v\n", k, report.Errors[k])
	}
	if skipped := report.Keys(scheduler.Skipped); len(skipped) > 0 {
		fmt.Fprintf(w, "  %s %v\n", color.Yellow.Sprint("skipped:"), skipped)
	}
}
