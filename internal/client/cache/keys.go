package cache

import "github.com/dmitrijs2005/creditkeeper/internal/client/models"

// Fixed keys.
const (
	KeySessionRecord       = "session.record"
	KeyOnboardingCompleted = "session.onboarding_completed"
	// KeyLastIdentity names the last remotely verified account. It
	// survives session cleanup and is removed on sign-out.
	KeyLastIdentity        = "session.last_identity"
	KeyAccessToken         = "auth.access_token"
	KeyRefreshToken        = "auth.refresh_token"
	KeyGuestIdentity       = "guest.identity"
	KeySandboxIndex        = "sandbox.index"
)

// SessionKeys are cleared when a session turns out to be invalid. The
// onboarding flag and guest data are not among them.
var SessionKeys = []string{KeySessionRecord, KeyAccessToken, KeyRefreshToken}

func GuestLedgerKey(guestID string) string    { return "guest.ledger." + guestID }
func GuestArtifactsKey(guestID string) string { return "guest.artifacts." + guestID }

// GuestTombstoneKey holds the user id a consumed guest migrated into.
func GuestTombstoneKey(guestID string) string { return "guest.consumed." + guestID }

// MirrorKey holds the display-only copy of a registered user's balance.
func MirrorKey(id models.Identity) string { return "mirror." + id.String() }

func TransactionKey(txID string) string        { return "tx." + txID }
func SandboxTransactionKey(txID string) string { return "sandbox.tx." + txID }
