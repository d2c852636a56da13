// Package report renders deployment results for a human reading a terminal.
//
// Every destination gets one line, prefixed " ... " when it ended up as
// intended and " !!! " otherwise, followed by a summary that lists every
// failed path again so it is not lost in a long run.
package report

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/majo/systemset/internal/deploy"
)

// Printer writes reports. Colours are only used when the writer is a terminal.
type Printer struct {
	w    io.Writer
	good lipgloss.Style
	bad  lipgloss.Style
	dim  lipgloss.Style
	bold lipgloss.Style
}

// NewPrinter creates a printer for w
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:    w,
		good: r.NewStyle().Foreground(lipgloss.Color("2")),
		bad:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dim:  r.NewStyle().Faint(true),
		bold: r.NewStyle().Bold(true),
	}
}

// Header prints the run banner
func (p *Printer) Header(command, root, user, prefix string) {
	fmt.Fprintln(p.w, p.bold.Render("systemset/"+command))
	fmt.Fprintf(p.w, " -> root is %s\n", root)
	fmt.Fprintf(p.w, " -> user is %s\n", user)
	if prefix != "/" {
		fmt.Fprintf(p.w, " -> prefix is %s\n", prefix)
	}
	fmt.Fprintln(p.w)
}

// Set prints the per-file lines and summary of a deployment
func (p *Printer) Set(rep *deploy.Report) {
	for _, res := range rep.Results {
		p.line(res)
	}

	failed := rep.Filter(deploy.OutcomeFailed)
	if len(failed) == 0 {
		if skipped := rep.Count(deploy.OutcomeSkipped); skipped > 0 {
			fmt.Fprintf(p.w, "\n%s\n", p.good.Render(fmt.Sprintf("dry run: %d file(s) would be set", skipped)))
			return
		}
		fmt.Fprintf(p.w, "\n%s\n", p.good.Render("all files set successfully!"))
		return
	}

	fmt.Fprintf(p.w, "\n%s\n", p.bad.Render(fmt.Sprintf("found %d error(s) while setting files:", len(failed))))
	for _, res := range failed {
		fmt.Fprintf(p.w, "  - %s (%v)\n", res.Action.Entry.Relative, res.Err)
	}
}

// Status prints the per-file lines and summary of a comparison
func (p *Printer) Status(rep *deploy.Report) {
	for _, res := range rep.Results {
		p.line(res)
	}

	identical := rep.Count(deploy.OutcomeIdentical)
	different := rep.Filter(deploy.OutcomeDifferent)
	missing := rep.Filter(deploy.OutcomeMissing)
	failed := rep.Filter(deploy.OutcomeFailed)

	fmt.Fprintf(p.w, "\nchecked %d file(s):\n", len(rep.Results))
	fmt.Fprintf(p.w, "  - %d identical\n", identical)
	fmt.Fprintf(p.w, "  - %d different\n", len(different))
	fmt.Fprintf(p.w, "  - %d missing\n", len(missing))
	fmt.Fprintf(p.w, "  - %d error(s)\n", len(failed))

	p.list("different files:", different, false)
	p.list("missing files:", missing, false)
	p.list("errors:", failed, true)

	if rep.Clean() {
		fmt.Fprintf(p.w, "\n%s\n", p.good.Render("all files are the same!"))
		return
	}
	fmt.Fprintf(p.w, "\n%s\n", p.bad.Render("some files are out of date"))
}

func (p *Printer) list(title string, results []deploy.Result, withErr bool) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(p.w, "\n%s\n", title)
	for _, res := range results {
		if withErr {
			fmt.Fprintf(p.w, "  - %s (%v)\n", res.Action.Entry.Relative, res.Err)
			continue
		}
		fmt.Fprintf(p.w, "  - %s -> %s\n", res.Action.Entry.Relative, res.Action.Dest)
	}
}

func (p *Printer) line(res deploy.Result) {
	switch res.Outcome {
	case deploy.OutcomeDeployed, deploy.OutcomeIdentical:
		fmt.Fprintf(p.w, " ... %s %s\n", res.Action.Dest, p.good.Render("(ok)"))
	case deploy.OutcomeSkipped:
		fmt.Fprintf(p.w, " ... %s -> %s %s\n", res.Action.Entry.Relative, res.Action.Dest, p.dim.Render("(skipped)"))
	case deploy.OutcomeFailed:
		fmt.Fprintf(p.w, " !!! %s %s\n", res.Action.Dest, p.bad.Render(fmt.Sprintf("(error: %v)", res.Err)))
	default:
		fmt.Fprintf(p.w, " !!! %s %s\n", res.Action.Dest, p.bad.Render("("+string(res.Outcome)+")"))
	}
}
