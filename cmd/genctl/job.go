package main

import (
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect generation jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id | run-id>",
	Short: "Print a job record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a terminal job record",
	Long:  "Deletes a job record. Ledger entries are kept. In-flight jobs are refused unless --force is given.",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobDelete,
}

var jobDeleteForce bool

func init() {
	jobDeleteCmd.Flags().BoolVar(&jobDeleteForce, "force", false, "Delete even when the job is not terminal")
	jobCmd.AddCommand(jobShowCmd, jobDeleteCmd)
	rootCmd.AddCommand(jobCmd)
}

func runJobShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	job, err := rt.Store.GetByID(cmd.Context(), args[0])
	if err != nil {
		job, err = rt.Store.GetByRunID(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	job, err := rt.Store.GetByID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() && !jobDeleteForce {
		return domain.NewError(domain.CodeInvalidAction, "job %s is %s, use --force to delete it", job.ID, job.Status)
	}

	if err := rt.Store.Delete(cmd.Context(), job.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted job %s (run %s)\n", job.ID, job.RunID)
	return nil
}
