package main

import (
	"fmt"
	"os"

	"rosrelay/config"
	"rosrelay/infra/sqlite"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

func relaysCmd(cfgPath *string) *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "relays",
		Short: "Show the persisted relay sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureColors()

			path := statePath
			if path == "" {
				cfg, err := config.Load(*cfgPath)
				if err != nil {
					return err
				}
				path = cfg.StatePath
			}

			store, err := sqlite.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			descs, ok, err := store.Read()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("no relay state recorded yet")
				return nil
			}

			rows := make([][]string, len(descs))
			for i, d := range descs {
				rows[i] = []string{d.Topic, d.MsgType, modeCell(d.Mode.String())}
			}
			fmt.Println(relayTable([]string{"TOPIC", "TYPE", "MODE"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "Relay state database path")
	return cmd
}

// Styled output only makes sense on a terminal; pipes get plain text.
func configureColors() {
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

func modeCell(mode string) string {
	switch mode {
	case "bidirectional":
		return lipgloss.NewStyle().Foreground(green).Render(mode)
	case "to-cloud":
		return lipgloss.NewStyle().Foreground(purple).Render(mode)
	default:
		return lipgloss.NewStyle().Foreground(yellow).Render(mode)
	}
}

func relayTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return cellStyle
			default:
				return oddStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)

	return t.Render()
}
