package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/logging"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// Report describes the objects of one display device.
type Report struct {
	Connectors []ConnectorReport `json:"connectors"`
	Crtcs      []CrtcReport      `json:"crtcs"`
	Planes     []PlaneReport     `json:"planes"`
	Modifiers  bool              `json:"modifiers"`
	CursorSize [2]uint32         `json:"cursor_size"`
}

// ConnectorReport is one connector and its modes.
type ConnectorReport struct {
	ID         uint32   `json:"id"`
	Name       string   `json:"name"`
	Connected  bool     `json:"connected"`
	Writeback  bool     `json:"writeback,omitempty"`
	LinkBad    bool     `json:"link_bad,omitempty"`
	WidthMM    uint32   `json:"width_mm"`
	HeightMM   uint32   `json:"height_mm"`
	Preferred  string   `json:"preferred,omitempty"`
	Modes      []string `json:"modes"`
	Properties []string `json:"properties"`
}

// CrtcReport is one crtc.
type CrtcReport struct {
	ID        uint32 `json:"id"`
	Index     int    `json:"index"`
	GammaSize uint32 `json:"gamma_size"`
}

// PlaneReport is one plane and its formats.
type PlaneReport struct {
	ID        uint32   `json:"id"`
	Type      string   `json:"type"`
	Crtcs     []int    `json:"crtcs"`
	Formats   []string `json:"formats"`
	Modifiers int      `json:"modifiers"`
}

// BuildReport collects the device's objects.
func BuildReport(dev *kms.Device) Report {
	var r Report
	r.Modifiers = dev.HasModifiers()
	r.CursorSize[0], r.CursorSize[1] = dev.CursorSize()

	for _, c := range dev.Connectors() {
		cr := ConnectorReport{
			ID:        c.ID(),
			Name:      c.Name(),
			Connected: c.Connected(),
			Writeback: c.IsWriteback(),
			LinkBad:   c.LinkStatusBad(),
		}
		cr.WidthMM, cr.HeightMM = c.PhysicalSize()
		if m, ok := c.PreferredMode(); ok {
			cr.Preferred = m.String()
		}
		for _, m := range c.Modes() {
			cr.Modes = append(cr.Modes, fmt.Sprintf("%s %s", m.NameString(), m.String()))
		}
		cr.Properties = c.Properties().Names()
		r.Connectors = append(r.Connectors, cr)
	}

	for _, c := range dev.Crtcs() {
		r.Crtcs = append(r.Crtcs, CrtcReport{ID: c.ID(), Index: c.Index(), GammaSize: c.GammaLUTSize()})
	}

	for _, p := range dev.Planes() {
		pr := PlaneReport{ID: p.ID(), Type: p.Type().String()}
		for _, c := range dev.Crtcs() {
			if p.CanUseCrtc(c) {
				pr.Crtcs = append(pr.Crtcs, c.Index())
			}
		}
		for _, f := range p.Formats() {
			pr.Formats = append(pr.Formats, drm.FormatName(f))
			pr.Modifiers += len(p.Modifiers(f))
		}
		r.Planes = append(r.Planes, pr)
	}
	return r
}

// WriteText renders the report as aligned columns.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "CONNECTOR\tNAME\tSTATUS\tSIZE\tPREFERRED\tMODES\n")
	for _, c := range r.Connectors {
		status := "disconnected"
		switch {
		case c.Writeback:
			status = "writeback"
		case c.Connected && c.LinkBad:
			status = "connected (link bad)"
		case c.Connected:
			status = "connected"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%dx%dmm\t%s\t%d\n",
			c.ID, c.Name, status, c.WidthMM, c.HeightMM, c.Preferred, len(c.Modes))
	}

	fmt.Fprintf(tw, "\nCRTC\tINDEX\tGAMMA\n")
	for _, c := range r.Crtcs {
		fmt.Fprintf(tw, "%d\t%d\t%d\n", c.ID, c.Index, c.GammaSize)
	}

	fmt.Fprintf(tw, "\nPLANE\tTYPE\tCRTCS\tMODIFIERS\tFORMATS\n")
	for _, p := range r.Planes {
		crtcs := make([]string, len(p.Crtcs))
		for i, c := range p.Crtcs {
			crtcs[i] = fmt.Sprint(c)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n",
			p.ID, p.Type, strings.Join(crtcs, ","), p.Modifiers, strings.Join(p.Formats, " "))
	}

	fmt.Fprintf(tw, "\nmodifiers=%t cursor=%dx%d\n", r.Modifiers, r.CursorSize[0], r.CursorSize[1])
	return tw.Flush()
}

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var card int
	var asJSON bool
	var verbose bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "List connectors, modes, crtcs and planes of a display device",
		Long: `Opens /dev/dri/card<N> with atomic modesetting enabled and prints its connectors ` +
			`with their modes, its crtcs, and every plane with the formats it can scan out.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			level := "warn"
			if verbose {
				level = "debug"
			}
			logging.Initialize(logging.Config{Level: level, Format: "text"})
			logger := logging.GetLogger("kms")

			dev, err := openDevice(card, false, logger)
			if err != nil {
				logger.Error("Failed to open display device", "card", card, "error", err)
				os.Exit(1)
			}
			defer dev.Close()

			report := BuildReport(dev)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				err = enc.Encode(report)
			} else {
				err = report.WriteText(os.Stdout)
			}
			if err != nil {
				logger.Error("Failed to write report", "error", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().IntVar(&card, "card", 0, "DRM card index")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log device enumeration")
	return cmd
}

// openDevice opens /dev/dri/card<n> as a kms.Device.
func openDevice(n int, allowScaling bool, logger *slog.Logger) (*kms.Device, error) {
	card, err := drm.Open(n)
	if err != nil {
		return nil, err
	}
	dev, err := kms.Open(card, kms.Options{Logger: logger, AllowScaling: allowScaling})
	if err != nil {
		card.Close()
		return nil, err
	}
	return dev, nil
}
