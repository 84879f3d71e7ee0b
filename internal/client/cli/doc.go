// Package cli provides the interactive CreditKeeper command-line client.
//
// It drives the app service from a REPL: resolve the session on start,
// keep a background connectivity watcher, and execute user commands.
//
// Key features:
//   - Guest mode, sign up (with guest migration), sign in, sign out
//   - Balance, product list, purchases and purchase restore
//   - Spending credits and saving artifacts
//   - Account deletion
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
