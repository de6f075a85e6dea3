// Package display draws the interactive status block and redraws it in
// place on every update.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"codeberg.org/mutker/pifanctl/internal/telemetry"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const (
	labelWidth = 13
	unknown    = "unknown"
)

var (
	colorLabel   = lipgloss.Color("243")
	colorValue   = lipgloss.Color("214")
	colorUnknown = lipgloss.Color("239")
)

// Renderer writes the status block to a terminal. Log output meant for the
// same terminal goes through LogWriter so it never lands inside the block.
type Renderer struct {
	mu    sync.Mutex
	out   io.Writer
	drawn int

	label   lipgloss.Style
	value   lipgloss.Style
	unknown lipgloss.Style
}

func New(out io.Writer) *Renderer {
	r := lipgloss.NewRenderer(out)

	return &Renderer{
		out:     out,
		label:   r.NewStyle().Foreground(colorLabel).Width(labelWidth),
		value:   r.NewStyle().Foreground(colorValue).Bold(true),
		unknown: r.NewStyle().Foreground(colorUnknown).Italic(true),
	}
}

// Render replaces the previously drawn block with one built from sample.
func (r *Renderer) Render(sample telemetry.Sample) error {
	lines := r.lines(sample)

	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	if r.drawn > 0 {
		b.WriteString(ansi.CursorUp(r.drawn))
		b.WriteByte('\r')
	}
	for _, line := range lines {
		b.WriteString(ansi.EraseEntireLine)
		b.WriteString(line)
		b.WriteByte('\n')
	}

	if _, err := io.WriteString(r.out, b.String()); err != nil {
		return err
	}
	r.drawn = len(lines)

	return nil
}

// LogWriter returns a writer that clears the block before each write. The
// next Render draws a fresh block below the written text.
func (r *Renderer) LogWriter() io.Writer {
	return logWriter{r}
}

type logWriter struct {
	r *Renderer
}

func (w logWriter) Write(p []byte) (int, error) {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()

	if w.r.drawn > 0 {
		if _, err := io.WriteString(w.r.out, ansi.CursorUp(w.r.drawn)+"\r"+ansi.EraseScreenBelow); err != nil {
			return 0, err
		}
		w.r.drawn = 0
	}

	return w.r.out.Write(p)
}

func (r *Renderer) lines(sample telemetry.Sample) []string {
	speed := r.unknown.Render(unknown)
	if sample.RPMValid {
		speed = r.value.Render(fmt.Sprintf("%.0f RPM", sample.RPM))
	}

	temperature := r.unknown.Render(unknown)
	if sample.TemperatureValid {
		temperature = r.value.Render(fmt.Sprintf("%.1f °C", sample.Temperature))
	}

	duty := r.value.Render(fmt.Sprintf("%d/%d (%.0f%%)", sample.DutyCycle, sample.Range, sample.DutyPercent()))

	return []string{
		r.label.Render("Speed:") + speed,
		r.label.Render("Temperature:") + temperature,
		r.label.Render("Duty cycle:") + duty,
	}
}
