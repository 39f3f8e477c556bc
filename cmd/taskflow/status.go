package main

import (
	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the store's /healthz and show the circuit breaker state",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.connect(); err != nil {
				return err
			}
			health, err := a.repo.Health(cmd.Context())
			report := statusReport{Store: health, BaseURL: a.cfg.Client.BaseURL}
			if err != nil {
				report.Error = err.Error()
			}
			report.Circuit = a.client.State()
			if perr := a.printStatus(report); perr != nil {
				return perr
			}
			return err
		},
	}
}
