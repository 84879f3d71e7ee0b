// Package common contains shared constants, sentinel errors and small
// helpers used by both the CreditKeeper client and the profile service.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// MigrationTransactionPrefix prefixes the synthetic transaction id under
// which a guest's credits are granted to the account it migrates into.
const MigrationTransactionPrefix = "guest-migration:"
