package runtime

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for Cloudburst services
	DefaultNamespace = "cloudburst"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdRuntime connects to containerd over the given socket
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateService creates the container for a service and starts its task
func (r *ContainerdRuntime) CreateService(ctx context.Context, svc *types.ContainerService) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, svc.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", svc.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(svc.Env),
	}
	if len(svc.Command) > 0 || len(svc.Args) > 0 {
		opts = append(opts, oci.WithProcessArgs(append(svc.Command, svc.Args...)...))
	}
	if len(svc.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(svc.Mounts))
		for _, m := range svc.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Target,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		svc.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(svc.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(svc.Labels),
	)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", svc.Name, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to create task for %s: %w", svc.Name, err)
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx, containerd.WithProcessKill)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to start task for %s: %w", svc.Name, err)
	}

	r.logger.Info().Str("service", svc.Name).
		Str("image", svc.Image).Msg("Service started")
	return nil
}

// StopService signals a service's task to terminate
func (r *ContainerdRuntime) StopService(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop task %s: %w", name, err)
	}
	return nil
}

// RemoveService tears down a service's task and container
func (r *ContainerdRuntime) RemoveService(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task %s: %w", name, err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", name, err)
	}
	return nil
}

// ServiceStatus maps a containerd task status onto the monitor's task
// state vocabulary.
func (r *ContainerdRuntime) ServiceStatus(ctx context.Context, name string) (types.TaskState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.TaskRemove, nil
		}
		return "", err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.TaskOrphaned, nil
		}
		return "", err
	}
	status, err := task.Status(ctx)
	if err != nil {
		return "", err
	}

	switch status.Status {
	case containerd.Created:
		return types.TaskStarting, nil
	case containerd.Running, containerd.Pausing, containerd.Paused:
		return types.TaskRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.TaskComplete, nil
		}
		return types.TaskFailed, nil
	default:
		return types.TaskOrphaned, nil
	}
}

// ListServices returns container names under the namespace matching
// the prefix.
func (r *ContainerdRuntime) ListServices(ctx context.Context, namePrefix string) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	var names []string
	for _, c := range containers {
		if strings.HasPrefix(c.ID(), namePrefix) {
			names = append(names, c.ID())
		}
	}
	return names, nil
}
