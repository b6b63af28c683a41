// Package producer generates revised stage artifacts from revision task
// descriptors. The engine hands off a descriptor; a Producer turns it into
// new content for resubmission.
package producer

import (
	"context"

	"github.com/crewloop/crew/internal/models"
)

// Producer generates a revised artifact for a revision task.
type Producer interface {
	Revise(ctx context.Context, task *models.TaskDescriptor) (string, error)
}
