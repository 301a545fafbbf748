package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent intents.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	intents, err := store.ListRecentIntents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		fmt.Fprintln(os.Stdout, "no intents found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tID\tUser\tAction\tSymbol\tSide\tQuantity\tMode\tState\tOutcome")

	for _, intent := range intents {
		outcome := "-"
		if intent.Outcome != nil {
			outcome = *intent.Outcome
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			intent.CreatedAt.UTC().Format(time.RFC3339),
			intent.ID,
			intent.UserID,
			intent.Action,
			intent.Symbol,
			intent.Side,
			intent.Quantity.String(),
			intent.Mode,
			intent.State,
			outcome,
		)
	}

	writer.Flush()
	return nil
}
