package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
)

var grantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Credit a user",
	Long:  "Appends a grant entry to the ledger. Re-running with the same --request-id is a no-op.",
	Args:  cobra.ExactArgs(2),
	RunE:  runGrant,
}

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's balance and recent ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

var (
	grantRequestID string
	grantReason    string
	balanceHistory int
)

func init() {
	grantCmd.Flags().StringVar(&grantRequestID, "request-id", "", "Idempotency key (default: a new ULID)")
	grantCmd.Flags().StringVar(&grantReason, "reason", "manual grant", "Reason recorded on the entry")
	balanceCmd.Flags().IntVarP(&balanceHistory, "history", "n", 10, "Number of ledger entries to list, 0 for none")

	rootCmd.AddCommand(grantCmd, balanceCmd)
}

func runGrant(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive integer, got %q", args[1])
	}
	requestID := grantRequestID
	if requestID == "" {
		requestID = "grant-" + ulid.Make().String()
	}

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	balance, err := rt.Ledger.Grant(cmd.Context(), args[0], requestID, amount, grantReason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "granted %d to %s (request %s), balance %d\n", amount, args[0], requestID, balance)
	return nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	userID := args[0]
	balance, err := rt.Ledger.Balance(cmd.Context(), userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", userID, balance)

	if balanceHistory <= 0 {
		return nil
	}
	entries, err := rt.Ledger.History(cmd.Context(), userID, balanceHistory)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tAMOUNT\tREQUEST\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.Amount, e.RequestID, e.Reason)
	}
	return w.Flush()
}
