package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/Dyastin-0/lanshare/types"
)

var (
	TITLE = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7d56f4"))

	INFO = lipgloss.NewStyle().
		Italic(true).
		Foreground(lipgloss.Color("#888888"))

	SUCCESS = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#28a745"))

	WARNING = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#f0ad4e"))

	ERROR = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#ee4b2b"))

	NAME = lipgloss.NewStyle().
		Bold(true).
		Width(20)
)

func Status(s types.TransferStatus) string {
	switch s {
	case types.StatusComplete:
		return SUCCESS.Render(string(s))
	case types.StatusError:
		return ERROR.Render(string(s))
	case types.StatusPaused, types.StatusPending:
		return WARNING.Render(string(s))
	default:
		return INFO.Render(string(s))
	}
}

// Peer renders one line of the peer list.
func Peer(p types.Peer) string {
	line := NAME.Render(p.DisplayName) + INFO.Render(p.IP)
	if p.Offering == nil {
		return line + "  " + INFO.Render("nothing offered")
	}
	return fmt.Sprintf("%s  %s %s", line,
		TITLE.Render(p.Offering.Filename),
		INFO.Render("("+humanize.IBytes(uint64(p.Offering.Size))+")"),
	)
}

// Offering renders an offering the way pickers show it.
func Offering(o types.Offering) string {
	return fmt.Sprintf("%s (%s)", o.Filename, humanize.IBytes(uint64(o.Size)))
}
