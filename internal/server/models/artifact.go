package models

import "time"

type Artifact struct {
	UserID      string
	ContentHash string
	Name        string
	Size        int64
	ObjectKey   string
	Uploaded    bool
	CreatedAt   time.Time
}
