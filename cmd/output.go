package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"sandboxctl/internal/api"
	"sandboxctl/internal/app"
	"sandboxctl/internal/color"
	"sandboxctl/internal/engine"
	"sandboxctl/internal/snapshot"
	"sandboxctl/internal/task"
)

// outputFormat represents the output format for CLI commands
type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
)

// maxCellWidth bounds free-text cells such as paths and error messages.
const maxCellWidth = 60

// printer renders an api.Result in one output format.
type printer struct {
	out    io.Writer
	format outputFormat
}

func newPrinter(out io.Writer, format string, plain bool) (*printer, error) {
	f := outputFormat(strings.ToLower(format))
	switch f {
	case formatTable, formatJSON, formatYAML:
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	if plain || f != formatTable || os.Getenv("NO_COLOR") != "" || !isTerminal(out) {
		color.Disable()
	} else {
		color.Initialize(lipgloss.HasDarkBackground())
	}
	return &printer{out: out, format: f}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// print writes res and returns an error when the operation failed, so the
// process exits non-zero.
func (p *printer) print(res *api.Result) error {
	var err error
	switch p.format {
	case formatJSON:
		err = p.printJSON(res)
	case formatYAML:
		err = p.printYAML(res)
	default:
		err = p.printTable(res)
	}
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return resultError(res)
	}
	return nil
}

func resultError(res *api.Result) error {
	if res.Error == nil {
		return fmt.Errorf("%s failed", res.Operation)
	}
	if res.Error.Kind != "" {
		return fmt.Errorf("%s failed (%s): %s", res.Operation, res.Error.Kind, res.Error.Message)
	}
	return fmt.Errorf("%s failed: %s", res.Operation, res.Error.Message)
}

func (p *printer) printJSON(res *api.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(p.out, string(data))
	return err
}

// printYAML goes through JSON so the json tags of payload types apply.
func (p *printer) printYAML(res *api.Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	out, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to convert to YAML: %w", err)
	}
	_, err = p.out.Write(out)
	return err
}

func (p *printer) printTable(res *api.Result) error {
	if res.Payload != nil {
		if err := p.renderPayload(res.Payload); err != nil {
			return err
		}
	}
	if !res.Succeeded() && res.Error != nil {
		fmt.Fprintln(p.out, color.ErrorStyle.Render("Error: "+res.Error.Message))
	}
	return nil
}

func (p *printer) renderPayload(payload interface{}) error {
	switch v := payload.(type) {
	case engine.Info:
		p.keyValues(environmentFields(v))
	case []engine.Info:
		p.environments(v)
	case *snapshot.Snapshot:
		p.keyValues(snapshotFields(v))
	case []*snapshot.Snapshot:
		p.snapshots(v)
	case []app.EngineInfo:
		p.engines(v)
	case app.StatusInfo:
		p.status(v)
	case *app.PlanReport:
		p.planReport(v)
	case []task.Result:
		p.taskResults(v)
	case task.Result:
		p.taskResults([]task.Result{v})
	case []string:
		if len(v) == 0 {
			fmt.Fprintln(p.out, color.MutedStyle.Render("Nothing to show"))
		}
		for _, s := range v {
			fmt.Fprintln(p.out, s)
		}
	case string:
		fmt.Fprintln(p.out, v)
	default:
		out, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to render payload: %w", err)
		}
		_, err = p.out.Write(out)
		return err
	}
	return nil
}

// render prints a bordered table. statusCol, when >= 0, is colored by value.
func (p *printer) render(headers []string, rows [][]string, statusCol int) {
	if len(rows) == 0 {
		fmt.Fprintln(p.out, color.MutedStyle.Render("Nothing to show"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(color.BorderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return color.HeaderStyle
			}
			cell := lipgloss.NewStyle().Padding(0, 1)
			if col == statusCol && row >= 0 && row < len(rows) {
				return color.ForStatus(rows[row][col]).Padding(0, 1)
			}
			return cell
		})
	fmt.Fprintln(p.out, t.String())
}

func (p *printer) keyValues(fields [][]string) {
	statusRow := -1
	for i, f := range fields {
		if f[0] == "Status" {
			statusRow = i
		}
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(color.BorderStyle).
		Rows(fields...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case col == 0:
				return color.HeaderStyle
			case row == statusRow:
				return color.ForStatus(fields[row][col]).Padding(0, 1)
			default:
				return lipgloss.NewStyle().Padding(0, 1)
			}
		})
	fmt.Fprintln(p.out, t.String())
}

func (p *printer) environments(envs []engine.Info) {
	rows := make([][]string, 0, len(envs))
	for _, e := range envs {
		rows = append(rows, []string{e.ID, e.Backend, string(e.Status), strconv.Itoa(len(e.Packages)), ports(e.AllocatedPorts), since(e.CreatedAt)})
	}
	p.render([]string{"ID", "BACKEND", "STATUS", "PACKAGES", "PORTS", "CREATED"}, rows, 2)
}

func (p *printer) snapshots(snaps []*snapshot.Snapshot) {
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, []string{s.ID, s.EnvID, s.Backend, s.Status, strconv.Itoa(len(s.Packages)), since(s.CreatedAt)})
	}
	p.render([]string{"ID", "ENVIRONMENT", "BACKEND", "STATUS", "PACKAGES", "CREATED"}, rows, 3)
}

func (p *printer) engines(engines []app.EngineInfo) {
	rows := make([][]string, 0, len(engines))
	for _, e := range engines {
		rows = append(rows, []string{e.Name, strconv.Itoa(e.Priority), strconv.FormatBool(e.Loaded), strconv.Itoa(e.Environments), strings.Join(e.Features, ", ")})
	}
	p.render([]string{"NAME", "PRIORITY", "LOADED", "ENVIRONMENTS", "FEATURES"}, rows, 2)
}

func (p *printer) status(s app.StatusInfo) {
	sample := "not sampled"
	if !s.Resources.Sample.Timestamp.IsZero() {
		sample = fmt.Sprintf("CPU %.1f%%, memory %s (%s)",
			s.Resources.Sample.CPUPercent,
			humanize.IBytes(uint64(s.Resources.Sample.MemoryMB*1024*1024)),
			since(s.Resources.Sample.Timestamp))
	}
	p.keyValues([][]string{
		{"Environments", strconv.Itoa(s.Environments)},
		{"Install workers", strconv.Itoa(s.Installer.Workers)},
		{"Installs queued", strconv.Itoa(s.Installer.Queued)},
		{"Installs running", strconv.Itoa(s.Installer.Running)},
		{"Installs completed", humanize.Comma(int64(s.Installer.Completed))},
		{"Installs failed", humanize.Comma(int64(s.Installer.Failed))},
		{"Install retries", humanize.Comma(int64(s.Installer.Retries))},
		{"Admitted work", fmt.Sprintf("%d of %d", s.Resources.Active, s.Resources.Limits.MaxWorkers)},
		{"Last sample", sample},
	})
}

func (p *printer) planReport(r *app.PlanReport) {
	names := make([]string, 0, len(r.Environments))
	for name := range r.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, r.Environments[name], r.Snapshots[name]})
	}
	p.render([]string{"ENVIRONMENT", "ID", "SNAPSHOT"}, rows, -1)

	if len(r.Installs) > 0 {
		p.taskResults(r.Installs)
	}
	if len(r.Tasks) > 0 {
		p.taskResults(r.Tasks)
	}
}

func (p *printer) taskResults(results []task.Result) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.TaskID, string(r.Status), strconv.Itoa(r.Attempts), r.Duration.Round(time.Millisecond).String(), truncate(r.Error)})
	}
	p.render([]string{"TASK", "STATUS", "ATTEMPTS", "DURATION", "ERROR"}, rows, 1)
}

func environmentFields(e engine.Info) [][]string {
	fields := [][]string{
		{"ID", e.ID},
		{"Backend", e.Backend},
		{"Status", string(e.Status)},
		{"Path", truncate(e.Path)},
		{"Packages", truncate(strings.Join(e.Packages, ", "))},
		{"Ports", ports(e.AllocatedPorts)},
		{"Created", since(e.CreatedAt)},
	}
	if e.ParentSnapshot != "" {
		fields = append(fields, []string{"Restored from", e.ParentSnapshot})
	}
	if e.LastError != "" {
		fields = append(fields, []string{"Last error", truncate(e.LastError)})
	}
	return fields
}

func snapshotFields(s *snapshot.Snapshot) [][]string {
	return [][]string{
		{"ID", s.ID},
		{"Environment", s.EnvID},
		{"Backend", s.Backend},
		{"Status", s.Status},
		{"Path", truncate(s.Path)},
		{"Packages", truncate(strings.Join(s.Packages, ", "))},
		{"Ports", ports(s.AllocatedPorts)},
		{"Created", since(s.CreatedAt)},
		{"Checksum", s.Checksum},
	}
}

func ports(list []int) string {
	parts := make([]string, 0, len(list))
	for _, p := range list {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ",")
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func truncate(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if runewidth.StringWidth(s) <= maxCellWidth {
		return s
	}
	return runewidth.Truncate(s, maxCellWidth, "…")
}
