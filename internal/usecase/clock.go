package usecase

import (
	"time"

	"github.com/google/uuid"
)

// Replaced in tests.
var (
	clock   = func() time.Time { return time.Now().UTC() }
	newUUID = uuid.NewString
)
