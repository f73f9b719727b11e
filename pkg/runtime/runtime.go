package runtime

import (
	"context"

	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// Runtime is the container backend the scheduler dispatches services
// to. The containerd implementation is used in production; tests use
// an in-memory fake.
type Runtime interface {
	// PullImage fetches an image from the registry
	PullImage(ctx context.Context, imageRef string) error

	// CreateService creates and starts the container for a service
	CreateService(ctx context.Context, svc *types.ContainerService) error

	// StopService stops a service's task
	StopService(ctx context.Context, name string) error

	// RemoveService stops and deletes a service's container
	RemoveService(ctx context.Context, name string) error

	// ServiceStatus reports the observed task state for a service
	ServiceStatus(ctx context.Context, name string) (types.TaskState, error)

	// ListServices returns the names of services whose name starts
	// with the given prefix
	ListServices(ctx context.Context, namePrefix string) ([]string, error)

	// Close releases the backend connection
	Close() error
}
