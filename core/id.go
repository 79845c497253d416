package core

import "github.com/google/uuid"

func newIntentID() string {
	return uuid.NewString()
}
