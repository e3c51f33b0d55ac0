package workerpool

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// dockerHandle adapts a running container to processHandle. Kill issues a
// SIGKILL directly rather than relying on ContainerStop's grace period —
// worker.go's own hardKill/gracefulShutdown already implement the grace
// period at the frame-protocol level (Shutdown frame, then hardKill).
type dockerHandle struct {
	docker      *dockerclient.Client
	containerID string
	waitCh      <-chan container.WaitResponse
	errCh       <-chan error
}

func (h dockerHandle) Kill() error {
	return h.docker.ContainerKill(context.Background(), h.containerID, "SIGKILL")
}

func (h dockerHandle) Wait() error {
	select {
	case err := <-h.errCh:
		return err
	case <-h.waitCh:
		return nil
	}
}

// dockerSpawnFunc launches a worker inside a fresh container per worker
// slot, one stdin/stdout stream attached over the Docker API, grounded on
// agent/internal/docker/discovery.go's client-construction pattern
// (NewClientWithOpts + API version negotiation). Unlike discovery.go, which
// only lists/inspects, this issues ContainerCreate/Attach/Start/Kill against
// the daemon to run the isolation image given by workers.docker_image.
func (p *Pool) dockerSpawnFunc(id string) spawnFunc {
	return func(ctx context.Context) (processHandle, *FrameWriter, *FrameReader, error) {
		dc, err := dockerclient.NewClientWithOpts(dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("workerpool: docker client: %w", err)
		}

		image := p.cfg.DockerImage
		if image == "" {
			return nil, nil, nil, fmt.Errorf("workerpool: workers.isolation=docker requires workers.docker_image")
		}

		created, err := dc.ContainerCreate(ctx, &container.Config{
			Image:        image,
			Cmd:          []string{"worker", "--worker-id", id},
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
			StdinOnce:    true,
			Tty:          false,
		}, &container.HostConfig{
			AutoRemove: true,
		}, nil, nil, fmt.Sprintf("ratchet-worker-%s", id))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("workerpool: container create: %w", err)
		}

		attach, err := dc.ContainerAttach(ctx, created.ID, container.AttachOptions{
			Stream: true, Stdin: true, Stdout: true, Stderr: true,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("workerpool: container attach: %w", err)
		}

		if err := dc.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			attach.Close()
			return nil, nil, nil, fmt.Errorf("workerpool: container start: %w", err)
		}

		waitCh, errCh := dc.ContainerWait(context.Background(), created.ID, container.WaitConditionNotRunning)

		handle := dockerHandle{docker: dc, containerID: created.ID, waitCh: waitCh, errCh: errCh}
		return handle, NewFrameWriter(attach.Conn), NewFrameReader(attach.Reader), nil
	}
}
