package app

import (
	"context"
	"fmt"
	"os"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/execmode"
)

// SetMode writes the shared execution mode flag. Every executor process
// converges on it within one poll interval, and flipping to live still
// requires the full health streak.
func (a *App) SetMode(ctx context.Context, mode string) error {
	if mode != execmode.ModeDry && mode != execmode.ModeLive {
		return fmt.Errorf("mode must be %q or %q", execmode.ModeDry, execmode.ModeLive)
	}

	crd, closeCoord := a.openCoord(ctx)
	defer closeCoord()

	if err := crd.SetExecMode(ctx, mode); err != nil {
		return fmt.Errorf("set execution mode: %w", err)
	}

	a.Logger.Info().Str("mode", mode).Msg("execution mode flag updated")
	fmt.Fprintf(os.Stdout, "execution mode flag set to %s\n", mode)
	return nil
}

// ShowMode prints the raw coordination flags.
func (a *App) ShowMode(ctx context.Context) error {
	crd, closeCoord := a.openCoord(ctx)
	defer closeCoord()

	mode, err := crd.ExecMode(ctx)
	if err != nil {
		return fmt.Errorf("read execution mode: %w", err)
	}
	if mode == "" {
		mode = execmode.ModeDry + " (unset)"
	}

	stopped, err := crd.EmergencyStop(ctx)
	if err != nil {
		return fmt.Errorf("read emergency stop: %w", err)
	}

	fmt.Fprintf(os.Stdout, "mode flag:      %s\n", mode)
	fmt.Fprintf(os.Stdout, "emergency stop: %v\n", stopped)
	return nil
}

// SetEmergencyStop engages or releases the emergency stop latch. While
// engaged every executor runs dry regardless of the mode flag.
func (a *App) SetEmergencyStop(ctx context.Context, on bool) error {
	crd, closeCoord := a.openCoord(ctx)
	defer closeCoord()

	if err := crd.SetEmergencyStop(ctx, on); err != nil {
		return fmt.Errorf("set emergency stop: %w", err)
	}

	if on {
		a.Logger.Warn().Msg("emergency stop engaged")
		fmt.Fprintln(os.Stdout, "emergency stop engaged; all executors fall back to dry")
	} else {
		a.Logger.Info().Msg("emergency stop released")
		fmt.Fprintln(os.Stdout, "emergency stop released; live requires a full health streak")
	}
	return nil
}

// RefreshMode re-reads the coordination flags through a full health
// streak and prints the effective mode this process would run with.
func (a *App) RefreshMode(ctx context.Context) error {
	crd, closeCoord := a.openCoord(ctx)
	defer closeCoord()

	manager := a.newModeManager(crd)
	var lastErr error
	for i := 0; i < a.Config.ExecMode.ConsecutiveOK; i++ {
		if _, err := manager.Refresh(ctx); err != nil {
			lastErr = err
			break
		}
	}

	fmt.Fprintf(os.Stdout, "effective mode: %s\n", manager.CurrentMode())
	fmt.Fprintf(os.Stdout, "health streak:  %d/%d\n", manager.HealthStreak(), a.Config.ExecMode.ConsecutiveOK)
	if lastErr != nil {
		fmt.Fprintf(os.Stdout, "degraded:       %v\n", lastErr)
	}
	return nil
}
