package client

import (
	"fmt"
	"io"
	"strings"
	"time"

	"motion/internal/constants"
	"motion/internal/protocol"
)

const (
	ColorReset  = constants.ColorReset
	ColorBold   = constants.ColorBold
	ColorDim    = constants.ColorDim
	ColorCyan   = constants.ColorCyan
	ColorGreen  = constants.ColorGreen
	ColorYellow = constants.ColorYellow
	ColorRed    = constants.ColorRed
)

// Printer writes the probe's terminal output.
type Printer struct {
	w io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Banner() {
	fmt.Fprintln(p.w)
	fmt.Fprintf(p.w, "  %s%s%s%s %sv%s%s\n", ColorBold, ColorCyan, constants.AppName, ColorReset, ColorBold, constants.Version, ColorReset)
	fmt.Fprintf(p.w, "  %sWebcam tracking relay probe%s\n", ColorDim, ColorReset)
	fmt.Fprintln(p.w)
}

func (p *Printer) Hint(text string) {
	fmt.Fprintf(p.w, "  %s%s%s\n", ColorDim, text, ColorReset)
}

func (p *Printer) Field(label, value, valueColor string) {
	fmt.Fprintf(p.w, "  %s%-12s%s %s%s%s\n", ColorDim, label, ColorReset, valueColor, value, ColorReset)
}

func (p *Printer) Sep() {
	fmt.Fprintf(p.w, "  %s%s%s\n", ColorDim, strings.Repeat("─", 50), ColorReset)
}

func (p *Printer) Error(err error) {
	fmt.Fprintf(p.w, "\n  %s✗ %v%s\n\n", ColorRed, err, ColorReset)
}

func (p *Printer) Result(res protocol.TrackingResult, latency time.Duration) {
	if res.Error != "" {
		fmt.Fprintf(p.w, "  %s✗ ts=%d %s%s\n", ColorRed, res.TS, res.Error, ColorReset)
		return
	}
	state := ColorYellow + "no face" + ColorReset
	if res.Present {
		state = ColorGreen + "face" + ColorReset
	}
	fmt.Fprintf(p.w, "  %sts=%d%s %s yaw=%.1f pitch=%.1f mouth=%.2f %s%s%s\n",
		ColorDim, res.TS, ColorReset, state,
		res.Pose.YawDeg, res.Pose.PitchDeg, res.Mouth.Open,
		ColorDim, latency.Round(time.Millisecond), ColorReset)
}

func (p *Printer) Summary(s Summary) {
	fmt.Fprintln(p.w)
	p.Sep()
	p.Field("elapsed", s.Elapsed.Round(time.Millisecond).String(), ColorReset)
	p.Field("sent", fmt.Sprint(s.Sent), ColorReset)
	p.Field("results", fmt.Sprint(s.Results), ColorGreen)
	unanswered := ColorReset
	if s.Unanswered() > 0 {
		unanswered = ColorYellow
	}
	p.Field("unanswered", fmt.Sprint(s.Unanswered()), unanswered)
	if s.Errors > 0 {
		p.Field("errors", fmt.Sprint(s.Errors), ColorRed)
	}
	p.Field("reconnects", fmt.Sprint(s.Reconnects), ColorReset)
	p.Field("latency", fmt.Sprintf("avg %s / max %s", s.AvgLatency().Round(time.Millisecond), s.MaxLatency.Round(time.Millisecond)), ColorCyan)
	p.Sep()
	fmt.Fprintln(p.w)
}

func (p *Printer) Models(modelURL string, list []string) {
	p.Field("model", modelURL, ColorCyan)
	for _, m := range list {
		marker := " "
		if m == modelURL {
			marker = "●"
		}
		fmt.Fprintf(p.w, "  %s%-12s%s %s %s\n", ColorDim, "", ColorReset, marker, m)
	}
}
