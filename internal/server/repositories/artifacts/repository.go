// Package artifacts indexes user artifacts stored in object storage.
package artifacts

import (
	"context"

	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
)

type Repository interface {
	// Create records a and reports false when the user already has an
	// artifact with the same content hash.
	Create(ctx context.Context, a *models.Artifact) (bool, error)
	Get(ctx context.Context, userID, contentHash string) (*models.Artifact, error)
	MarkUploaded(ctx context.Context, userID, contentHash string) error
	// ObjectKeys lists the storage keys of every artifact of the user.
	ObjectKeys(ctx context.Context, userID string) ([]string, error)
}
