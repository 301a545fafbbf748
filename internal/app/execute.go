package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/execmode"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/orchestrator"
)

// Execute submits a single intent and prints its outcome. The command
// exits non-zero when the intent reaches a failed outcome.
func (a *App) Execute(ctx context.Context, req orchestrator.Request) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	crd, closeCoord := a.openCoord(ctx)
	defer closeCoord()

	manager := a.newModeManager(crd)
	a.warmUpMode(ctx, manager)

	engine, err := a.buildEngine(store, crd, manager)
	if err != nil {
		return err
	}

	res, err := engine.Execute(ctx, req)
	if err != nil {
		return err
	}

	printResult(res)

	if strings.HasPrefix(res.Outcome, "failed:") {
		return fmt.Errorf("intent %d finished %s", res.Intent.ID, res.Outcome)
	}
	return nil
}

// warmUpMode refreshes a fresh manager through the full health streak so a
// one-shot process can reach live when the store is healthy. Any failed
// read leaves the manager dry, which is the fail-safe answer.
func (a *App) warmUpMode(ctx context.Context, manager *execmode.Manager) {
	for i := 0; i < a.Config.ExecMode.ConsecutiveOK; i++ {
		if _, err := manager.Refresh(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("mode refresh degraded, executing dry")
			return
		}
	}
}

func printResult(res orchestrator.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "intent\t%d\n", res.Intent.ID)
	fmt.Fprintf(w, "key\t%s\n", res.Intent.IdempotencyKey)
	fmt.Fprintf(w, "mode\t%s\n", res.Intent.Mode)
	fmt.Fprintf(w, "outcome\t%s\n", res.Outcome)
	if res.TxHash != "" {
		fmt.Fprintf(w, "tx\t%s\n", res.TxHash)
	}
	if res.Deduped {
		fmt.Fprintf(w, "deduped\ttrue\n")
	}
	if !res.Final {
		fmt.Fprintf(w, "final\tfalse\n")
	}
	if res.Retryable {
		fmt.Fprintf(w, "retryable\ttrue\n")
	}
	w.Flush()
}
