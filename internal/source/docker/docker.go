// Package docker provides runners backed by the Docker daemon: the log
// lines of a container and the list of containers.  Each session gets
// its own client, built lazily through the session scope and closed
// with it.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerhost/internal/runner"
	"github.com/terrpan/runnerhost/internal/scope"
	"github.com/terrpan/runnerhost/internal/store"
)

const (
	// LogsResultType streams the log lines of one container.
	LogsResultType = "docker.logs"
	// ContainersResultType lists containers.
	ContainersResultType = "docker.containers"

	// ServiceName is the scope service holding the session's client.
	ServiceName = "docker.client"
)

// Config holds Docker-specific settings.
type Config struct {
	// Host overrides DOCKER_HOST.  Empty means the environment.
	Host string
}

// API is the subset of the Docker client the runners use.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Line is one log line of a container.
type Line struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// Container summarizes a listed container.
type Container struct {
	ID     string            `json:"id"`
	Names  []string          `json:"names"`
	Image  string            `json:"image"`
	State  string            `json:"state"`
	Status string            `json:"status"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Register adds the per-session Docker client to p.
func Register(p *scope.Provider, cfg Config) {
	p.Register(ServiceName, func(_ context.Context, _ string) (any, error) {
		opts := []dockerclient.Opt{
			dockerclient.FromEnv,
			dockerclient.WithAPIVersionNegotiation(),
		}
		if cfg.Host != "" {
			opts = append(opts, dockerclient.WithHost(cfg.Host))
		}
		c, err := dockerclient.NewClientWithOpts(opts...)
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		return c, nil
	})
}

// Factories returns the store factories of this package.
func Factories() map[string]store.Factory {
	return map[string]store.Factory{
		LogsResultType:       LogsFactory,
		ContainersResultType: ContainersFactory,
	}
}

// LogsFactory builds a runner streaming the log lines of the container
// named by the "container" parameter.  Optional parameters: follow
// (bool), tail (default "all"), since, timestamps (bool).
func LogsFactory(ctx context.Context, req store.Request, env store.Env) (runner.Runner, error) {
	api, err := scope.Resolve[API](ctx, env.Scope, ServiceName)
	if err != nil {
		return nil, err
	}
	id := req.Param("container", "")
	if id == "" {
		return nil, fmt.Errorf("docker: container parameter is required")
	}
	follow, err := boolParam(req, "follow")
	if err != nil {
		return nil, err
	}
	timestamps, err := boolParam(req, "timestamps")
	if err != nil {
		return nil, err
	}
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       req.Param("tail", "all"),
		Since:      req.Param("since", ""),
		Timestamps: timestamps,
	}
	return runner.NewBuffered(LogsProducer(api, id, opts, env.Logger), env.Options(req)...), nil
}

// ContainersFactory builds a runner listing containers.  Parameters:
// all (bool) and label (a label filter such as "app=web").
func ContainersFactory(ctx context.Context, req store.Request, env store.Env) (runner.Runner, error) {
	api, err := scope.Resolve[API](ctx, env.Scope, ServiceName)
	if err != nil {
		return nil, err
	}
	all, err := boolParam(req, "all")
	if err != nil {
		return nil, err
	}
	opts := container.ListOptions{All: all}
	if label := req.Param("label", ""); label != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", label))
	}
	return runner.NewBuffered(ContainersProducer(api, opts), env.Options(req)...), nil
}

// LogsProducer streams the logs of container id line by line.
func LogsProducer(api API, id string, opts container.LogsOptions, logger *slog.Logger) runner.Producer[Line] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := otel.Tracer("runnerhost/source/docker")

	return func(ctx context.Context, emit func(Line) error) error {
		ctx, span := tracer.Start(ctx, "source.docker.Logs",
			trace.WithAttributes(
				attribute.String("docker.container", id),
				attribute.Bool("docker.follow", opts.Follow),
			),
		)
		defer span.End()

		info, err := api.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("container inspect %s: %w", id, err)
		}
		tty := info.Config != nil && info.Config.Tty

		rc, err := api.ContainerLogs(ctx, id, opts)
		if err != nil {
			return fmt.Errorf("container logs %s: %w", id, err)
		}
		defer rc.Close()

		logger.Debug("streaming container logs",
			slog.String("container", id),
			slog.Bool("tty", tty),
		)

		stdout := &lineWriter{stream: "stdout", emit: emit}
		stderr := &lineWriter{stream: "stderr", emit: emit}

		// A tty container has a single raw stream; otherwise the
		// stream is multiplexed.
		if tty {
			_, err = io.Copy(stdout, rc)
		} else {
			_, err = stdcopy.StdCopy(stdout, stderr, rc)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("reading logs of %s: %w", id, err)
		}
		if err := stdout.flush(); err != nil {
			return err
		}
		return stderr.flush()
	}
}

// ContainersProducer emits the containers matching opts.
func ContainersProducer(api API, opts container.ListOptions) runner.Producer[Container] {
	return func(ctx context.Context, emit func(Container) error) error {
		list, err := api.ContainerList(ctx, opts)
		if err != nil {
			return fmt.Errorf("container list: %w", err)
		}
		for _, c := range list {
			err := emit(Container{
				ID:     c.ID,
				Names:  c.Names,
				Image:  c.Image,
				State:  string(c.State),
				Status: c.Status,
				Labels: c.Labels,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// lineWriter splits written bytes into lines and emits each complete
// one.  A failed emit aborts the copy.
type lineWriter struct {
	stream  string
	emit    func(Line) error
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			return len(p), nil
		}
		text := string(bytes.TrimSuffix(w.pending[:i], []byte("\r")))
		w.pending = w.pending[i+1:]
		if err := w.emit(Line{Stream: w.stream, Text: text}); err != nil {
			return 0, err
		}
	}
}

// flush emits a trailing line without newline.
func (w *lineWriter) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	text := string(w.pending)
	w.pending = nil
	return w.emit(Line{Stream: w.stream, Text: text})
}

func boolParam(req store.Request, key string) (bool, error) {
	v := req.Param(key, "")
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("docker: %s: %w", key, err)
	}
	return b, nil
}
