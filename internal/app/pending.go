package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Pending lists non-terminal intents older than the given age. These are
// intents a human should look at; nothing is cancelled automatically.
func (a *App) Pending(ctx context.Context, opts PendingOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-opts.OlderThan)
	pending, err := store.ListPendingIntents(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(os.Stdout, "no pending intents")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Age\tID\tUser\tSymbol\tState\tAttempts\tNonce")

	now := time.Now().UTC()
	for _, intent := range pending {
		nonce := "-"
		if intent.Nonce != nil {
			nonce = fmt.Sprintf("%d", *intent.Nonce)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			now.Sub(intent.CreatedAt.UTC()).Round(time.Second),
			intent.ID,
			intent.UserID,
			intent.Symbol,
			intent.State,
			intent.Attempts,
			nonce,
		)
	}

	writer.Flush()

	a.Logger.Warn().Int("count", len(pending)).Msg("pending intents need attention")
	return nil
}
