package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/creditkeeper/internal/client/app"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
)

func (a *App) Status(ctx context.Context) error {
	d, err := a.svc.Resolve(ctx)
	if err != nil {
		return err
	}
	switch {
	case d.IsAuthenticated && d.Identity.IsZero():
		a.printf("Onboarded, no account on this device. Use 'guest' or 'signin'.\n")
	case d.IsAuthenticated:
		a.printf("Signed in as %s (%s)\n", d.Identity, d.Source)
	case d.IsGuest:
		a.printf("Guest %s\n", d.Identity.ID)
	default:
		a.printf("Not signed in. Use 'guest', 'signup' or 'signin'.\n")
	}
	return nil
}

func (a *App) Guest(ctx context.Context) error {
	id, err := a.svc.CreateGuest(ctx)
	if err != nil {
		return err
	}
	a.printf("Continuing as guest %s\n", id.ID)
	return nil
}

// Balance shows the canonical balance, or the last known one while the
// server is unreachable.
func (a *App) Balance(ctx context.Context) error {
	rec, err := a.svc.GetBalance(ctx)
	if errors.Is(err, app.ErrOffline) {
		cached, ok, cerr := a.svc.CachedBalance(ctx)
		if cerr != nil || !ok {
			return err
		}
		a.printf("%s (last known, offline)\n", formatBalance(cached))
		return nil
	}
	if err != nil {
		return err
	}
	a.printf("%s\n", formatBalance(rec))
	return nil
}

func formatBalance(rec models.EntitlementRecord) string {
	s := fmt.Sprintf("Credits: %d/%d", rec.CreditsCurrent, rec.CreditsMax)
	if rec.PlanID != "" {
		s += " plan " + rec.PlanID
	}
	if rec.PeriodEnd != nil {
		s += " until " + rec.PeriodEnd.Format("2006-01-02")
	}
	return s
}

func (a *App) Products(ctx context.Context) error {
	for _, p := range a.svc.Products() {
		switch p.Kind {
		case models.ProductPeriod:
			a.printf("%-22s %4d credits per period (%s)\n", p.ID, p.Credits, p.PlanID)
		default:
			a.printf("%-22s %4d credits\n", p.ID, p.Credits)
		}
	}
	return nil
}

func (a *App) Buy(ctx context.Context, productID string) error {
	res, err := a.svc.Purchase(ctx, productID)
	if errors.Is(err, app.ErrPurchasePending) {
		a.printf("Purchase pending. Credits will arrive once the payment clears.\n")
		return nil
	}
	if err != nil {
		return err
	}
	switch res.Status {
	case models.PurchaseCancelled:
		a.printf("Purchase cancelled\n")
	case models.PurchaseGranted:
		if res.Balance != nil {
			a.printf("Purchased. %s\n", formatBalance(*res.Balance))
		} else {
			a.printf("Purchased\n")
		}
	}
	return nil
}

func (a *App) Restore(ctx context.Context) error {
	results, err := a.svc.RestorePurchases(ctx)
	restored := 0
	for _, r := range results {
		if !r.Duplicate {
			restored++
		}
	}
	a.printf("Restored %d of %d purchases\n", restored, len(results))
	return err
}

func (a *App) Spend(ctx context.Context, amount string) error {
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not a number", app.ErrInvalidArgument, amount)
	}
	rec, err := a.svc.Spend(ctx, n)
	if err != nil {
		return err
	}
	a.printf("%s\n", formatBalance(rec))
	return nil
}

func (a *App) Save(ctx context.Context, name string) error {
	body, err := GetMultiline(a.reader, "Enter content", a.out)
	if err != nil {
		return err
	}
	art, err := a.svc.SaveArtifact(ctx, name, []byte(body))
	if err != nil {
		return err
	}
	a.printf("Saved %s (%d bytes, %s)\n", art.Name, art.Size, art.ContentHash[:12])
	return nil
}

func (a *App) Migrate(ctx context.Context) error {
	res, err := a.svc.Migrate(ctx)
	if err != nil {
		return err
	}
	switch res.Status {
	case models.MigrationCompleted:
		a.printf("Moved %d credits and %d artifacts into your account\n", res.Credits, res.Artifacts)
	case models.MigrationAlready:
		a.printf("Guest data was already moved\n")
	default:
		a.printf("Nothing to move\n")
	}
	return nil
}

func (a *App) Onboard(ctx context.Context) error {
	if err := a.svc.CompleteOnboarding(ctx); err != nil {
		return err
	}
	a.printf("Onboarding complete\n")
	return nil
}
