package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the REPL dispatches to.
type execIface interface {
	isSignedIn() bool
	Status(ctx context.Context) error
	Guest(ctx context.Context) error
	Balance(ctx context.Context) error
	Products(ctx context.Context) error
	Buy(ctx context.Context, productID string) error
	Restore(ctx context.Context) error
	Spend(ctx context.Context, amount string) error
	Save(ctx context.Context, name string) error
	SignUp(ctx context.Context) error
	SignIn(ctx context.Context) error
	SignOut(ctx context.Context) error
	Migrate(ctx context.Context) error
	Onboard(ctx context.Context) error
	DeleteAccount(ctx context.Context) error
}

// runREPL reads commands line by line and dispatches them. It returns on
// EOF or when the user types "exit" or "quit". Handler errors are printed
// and never stop the loop.
//
//	status            resolve and show the session
//	guest             continue as guest
//	balance           show credits
//	products          list the catalog
//	buy <product>     purchase a product
//	restore           restore purchases
//	spend <n>         spend credits
//	save <name>       save an artifact
//	signup | signin | signout
//	migrate           move guest data into the account
//	onboard           mark onboarding complete
//	delete-account    delete the account and local data
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		printlnFn(fmt.Sprintf("ck %s> ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		var cmdErr error
		switch cmd {
		case "help":
			if a.isSignedIn() {
				printlnFn("Available commands: status, balance, products, buy <id>, restore, spend <n>, save <name>, migrate, onboard, signout, delete-account, exit")
			} else {
				printlnFn("Available commands: status, guest, signup, signin, balance, products, buy <id>, restore, spend <n>, save <name>, exit")
			}
		case "status":
			cmdErr = a.Status(ctx)
		case "guest":
			cmdErr = a.Guest(ctx)
		case "balance", "b":
			cmdErr = a.Balance(ctx)
		case "products":
			cmdErr = a.Products(ctx)
		case "buy":
			if len(args) == 0 {
				printlnFn("Usage: buy <product>")
				continue
			}
			cmdErr = a.Buy(ctx, args[0])
		case "restore":
			cmdErr = a.Restore(ctx)
		case "spend":
			if len(args) == 0 {
				printlnFn("Usage: spend <n>")
				continue
			}
			cmdErr = a.Spend(ctx, args[0])
		case "save":
			if len(args) == 0 {
				printlnFn("Usage: save <name>")
				continue
			}
			cmdErr = a.Save(ctx, args[0])
		case "signup":
			cmdErr = a.SignUp(ctx)
		case "signin", "login":
			cmdErr = a.SignIn(ctx)
		case "signout", "logout":
			cmdErr = a.SignOut(ctx)
		case "migrate":
			cmdErr = a.Migrate(ctx)
		case "onboard":
			cmdErr = a.Onboard(ctx)
		case "delete-account":
			cmdErr = a.DeleteAccount(ctx)
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}
		if cmdErr != nil {
			printlnFn("Error:", cmdErr)
		}
	}
}
