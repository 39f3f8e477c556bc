package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/basket/taskflow/internal/doctor"
)

var checkStyles = map[string]lipgloss.Style{
	doctor.StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	doctor.StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	doctor.StatusFail: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	doctor.StatusSkip: dimStyle,
}

func (a *app) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check local configuration, database and store reachability",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			d := doctor.Run(cmd.Context(), &a.cfg, Version)
			if err := a.printDiagnosis(d); err != nil {
				return err
			}
			if d.Failed() {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
}

func (a *app) printDiagnosis(d doctor.Diagnosis) error {
	if a.jsonOutput() {
		return a.writeJSON(d)
	}
	rows := make([][]string, 0, len(d.Results))
	for _, r := range d.Results {
		status := r.Status
		if st, ok := checkStyles[r.Status]; ok {
			status = st.Render(status)
		}
		rows = append(rows, []string{r.Name, status, r.Message, dimStyle.Render(r.Detail)})
	}
	writeTable(a.stdout, []string{"CHECK", "STATUS", "MESSAGE", "DETAIL"}, rows)
	fmt.Fprintln(a.stdout, dimStyle.Render(fmt.Sprintf("taskflow %s, %s, %s/%s", d.System.Version, d.System.Go, d.System.OS, d.System.Arch)))
	return nil
}
