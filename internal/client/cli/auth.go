package cli

import (
	"context"

	"github.com/dmitrijs2005/creditkeeper/internal/common"
)

// getSimpleText and getPassword are swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

func (a *App) credentials() (string, []byte, error) {
	userName, err := getSimpleText(a.reader, "Enter username", a.out)
	if err != nil {
		return "", nil, err
	}
	password, err := getPassword(a.out)
	if err != nil {
		return "", nil, err
	}
	return userName, password, nil
}

// SignUp creates an account and moves the guest into it.
func (a *App) SignUp(ctx context.Context) error {
	userName, password, err := a.credentials()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	res, err := a.svc.SignUp(ctx, userName, password)
	if err != nil {
		return err
	}
	a.printf("Signed up as %s\n", res.Decision.Identity)
	if res.Migration != nil {
		a.printf("Guest data moved: %d credits, %d artifacts\n", res.Migration.Credits, res.Migration.Artifacts)
	}
	return nil
}

func (a *App) SignIn(ctx context.Context) error {
	userName, password, err := a.credentials()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	d, err := a.svc.SignIn(ctx, userName, password)
	if err != nil {
		return err
	}
	a.printf("Signed in as %s\n", d.Identity)
	return nil
}

func (a *App) SignOut(ctx context.Context) error {
	d, err := a.svc.SignOut(ctx)
	if err != nil {
		return err
	}
	if d.IsGuest {
		a.printf("Signed out, continuing as guest\n")
		return nil
	}
	a.printf("Signed out\n")
	return nil
}

// DeleteAccount asks for confirmation first.
func (a *App) DeleteAccount(ctx context.Context) error {
	answer, err := getSimpleText(a.reader, "Type 'delete' to remove the account and all local data", a.out)
	if err != nil {
		return err
	}
	if answer != "delete" {
		a.printf("Cancelled\n")
		return nil
	}
	if err := a.svc.DeleteAccount(ctx); err != nil {
		return err
	}
	a.printf("Account deleted\n")
	return nil
}
