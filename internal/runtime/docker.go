package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/devpool/devpool/internal/logutils"
)

const stopTimeoutSeconds = 10

// DockerRuntime implements Runtime against the Docker engine.
type DockerRuntime struct {
	cli   *client.Client
	image string
}

// NewDockerRuntime connects to the Docker daemon and verifies it is
// reachable.
func NewDockerRuntime(workspaceImage string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return &DockerRuntime{cli: cli, image: workspaceImage}, nil
}

// Create pulls the workspace image and creates a container wired to the
// repository. The returned id is the opaque handle stored on the workspace
// record.
func (r *DockerRuntime) Create(ctx context.Context, repoURL string, env map[string]string) (string, error) {
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	envList := make([]string, 0, len(env)+1)
	envList = append(envList, "GIT_REPO="+repoURL)
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	cfg := &container.Config{
		Image: r.image,
		Env:   envList,
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
			"7681/tcp": struct{}{},
		},
		Labels: map[string]string{
			"service": "devpool_workspace",
		},
	}
	hostCfg := &container.HostConfig{
		PublishAllPorts: true,
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	logutils.Log.WithFields(logutils.Fields{"container": short(resp.ID)}).Debug("container created")
	return resp.ID, nil
}

func (r *DockerRuntime) Start(ctx context.Context, handle string) error {
	if err := r.cli.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Stop(ctx context.Context, handle string) error {
	timeout := stopTimeoutSeconds
	if err := r.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Destroy(ctx context.Context, handle string) error {
	if err := r.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
