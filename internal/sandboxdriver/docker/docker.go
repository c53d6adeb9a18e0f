// Package docker implements sandboxdriver.Driver over the Docker engine,
// adapted from the exec/RPC-attach approach of a plain container sandbox
// into the networked HTTP container protocol spec §6 requires: each
// container runs its own action runtime HTTP server, reachable by address,
// and /init and /run are plain POSTs rather than an attached stdio stream.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver"
)

const (
	// DriverName identifies this backend (spec §6 "driver" config key).
	DriverName = "docker"
	// ManagedLabel marks every container this driver creates, so a fresh
	// process can garbage collect orphans left by a crashed predecessor.
	ManagedLabel = "io.openwhisk.invoker.managed"
	containerPort = "8080/tcp"
)

// Driver implements sandboxdriver.Driver against a local or remote Docker
// daemon.
type Driver struct {
	cli        *client.Client
	httpClient *http.Client
	log        zerolog.Logger
	// MaxResponseBytes bounds /run response bodies; 0 means unbounded.
	MaxResponseBytes int64
}

// New creates a Driver and performs a startup sweep for orphaned
// containers from a prior process (spec §5: the driver owns its own
// cleanup, the pool never inspects the backend directly).
func New(log zerolog.Logger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	d := &Driver{
		cli:        cli,
		httpClient: &http.Client{},
		log:        log,
	}
	go d.cleanupOrphans()
	return d, nil
}

func (d *Driver) cleanupOrphans() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("orphan sweep: list failed")
		return
	}
	for _, c := range list {
		if err := d.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			d.log.Warn().Err(err).Str("container_id", c.ID).Msg("orphan sweep: remove failed")
		}
	}
	if len(list) > 0 {
		d.log.Info().Int("count", len(list)).Msg("orphan sweep: removed stale containers")
	}
}

func (d *Driver) DriverName() string { return DriverName }

func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) Close() error {
	return d.cli.Close()
}

// Create starts a container running image with the action runtime HTTP
// server as its entrypoint, and waits for its address to become reachable.
func (d *Driver) Create(ctx context.Context, name string, image string, memoryMB int64, env sandboxdriver.Env, labels sandboxdriver.Labels) (sandboxdriver.Handle, error) {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, image); err != nil {
		if client.IsErrNotFound(err) {
			reader, pullErr := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
			if pullErr != nil {
				return sandboxdriver.Handle{}, fmt.Errorf("%w: %v", sandboxdriver.ErrCreatePull, pullErr)
			}
			_, _ = io.Copy(io.Discard, reader)
			reader.Close()
		} else {
			return sandboxdriver.Handle{}, fmt.Errorf("%w: inspect: %v", sandboxdriver.ErrCreatePull, err)
		}
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	lbls := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		lbls[k] = v
	}
	lbls[ManagedLabel] = "true"

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory: memoryMB * 1024 * 1024,
		},
		PublishAllPorts: true,
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Env:    envList,
			Labels: lbls,
		},
		hostConfig,
		nil,
		nil,
		name,
	)
	if err != nil {
		return sandboxdriver.Handle{}, fmt.Errorf("%w: create: %v", sandboxdriver.ErrCreateTimeout, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return sandboxdriver.Handle{}, fmt.Errorf("%w: start: %v", sandboxdriver.ErrCreateTimeout, err)
	}

	addr, err := d.awaitAddress(ctx, resp.ID)
	if err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return sandboxdriver.Handle{}, fmt.Errorf("%w: %v", sandboxdriver.ErrCreateTimeout, err)
	}

	return sandboxdriver.Handle{ID: resp.ID, Address: addr}, nil
}

// awaitAddress polls the container's network settings until its mapped
// HTTP port is reachable or ctx is cancelled.
func (d *Driver) awaitAddress(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := d.cli.ContainerInspect(ctx, id)
		if err == nil && info.NetworkSettings != nil {
			if binding, ok := info.NetworkSettings.Ports[containerPort]; ok && len(binding) > 0 {
				hostPort := net.JoinHostPort("127.0.0.1", binding[0].HostPort)
				if conn, dialErr := net.DialTimeout("tcp", hostPort, 200*time.Millisecond); dialErr == nil {
					conn.Close()
					return "http://" + hostPort, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Driver) Init(ctx context.Context, h sandboxdriver.Handle, code sandboxdriver.CodeDescriptor) error {
	payload, err := json.Marshal(map[string]any{
		"value": map[string]any{
			"code":   code.Code,
			"binary": code.Binary,
			"main":   code.Main,
			"env":    code.Env,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", sandboxdriver.ErrInit, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Address+"/init", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", sandboxdriver.ErrInit, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sandboxdriver.ErrInit, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: status %d: %s", sandboxdriver.ErrInit, resp.StatusCode, string(body))
	}
	return nil
}

func (d *Driver) Run(ctx context.Context, h sandboxdriver.Handle, argsJSON []byte, deadline time.Time) (sandboxdriver.RunResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, h.Address+"/run", bytes.NewReader(argsJSON))
	if err != nil {
		return sandboxdriver.RunResult{}, &sandboxdriver.RunError{Kind: sandboxdriver.ErrRunConnection, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if runCtx.Err() != nil {
			return sandboxdriver.RunResult{}, &sandboxdriver.RunError{Kind: sandboxdriver.ErrRunTimeout, Err: err}
		}
		return sandboxdriver.RunResult{}, &sandboxdriver.RunError{Kind: sandboxdriver.ErrRunConnection, Err: err}
	}
	defer resp.Body.Close()

	var body []byte
	truncated := false
	if d.MaxResponseBytes > 0 {
		limited := io.LimitReader(resp.Body, d.MaxResponseBytes+1)
		body, err = io.ReadAll(limited)
		if err != nil {
			return sandboxdriver.RunResult{}, &sandboxdriver.RunError{Kind: sandboxdriver.ErrRunConnection, Err: err}
		}
		if int64(len(body)) > d.MaxResponseBytes {
			body = body[:d.MaxResponseBytes]
			truncated = true
		}
	} else {
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return sandboxdriver.RunResult{}, &sandboxdriver.RunError{Kind: sandboxdriver.ErrRunConnection, Err: err}
		}
	}

	return sandboxdriver.RunResult{StatusCode: resp.StatusCode, Body: body, Truncated: truncated}, nil
}

func (d *Driver) Pause(ctx context.Context, h sandboxdriver.Handle) error {
	return d.cli.ContainerPause(ctx, h.ID)
}

func (d *Driver) Resume(ctx context.Context, h sandboxdriver.Handle) error {
	return d.cli.ContainerUnpause(ctx, h.ID)
}

func (d *Driver) Destroy(ctx context.Context, h sandboxdriver.Handle) error {
	err := d.cli.ContainerRemove(ctx, h.ID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// sentinelMarker is the well-known end-of-activation line spec §6 asks
// drivers to emit when they support it.
const sentinelMarker = "XXX_THE_END_OF_A_WHISK_ACTIVATION_XXX"

// Logs streams the container's combined stdout/stderr since the given
// time, normalizing each line and flagging the sentinel line if seen.
// The channel closes either when the sentinel appears or the context is
// cancelled by the caller's bounded wait (spec §9 open question (b)).
func (d *Driver) Logs(ctx context.Context, h sandboxdriver.Handle, since time.Time) (<-chan sandboxdriver.LogLine, error) {
	reader, err := d.cli.ContainerLogs(ctx, h.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Since:      since.Format(time.RFC3339Nano),
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan sandboxdriver.LogLine, 64)
	go func() {
		defer close(out)
		defer reader.Close()
		demuxLogs(reader, out)
	}()
	return out, nil
}

// demuxLogs parses Docker's multiplexed log stream framing (8-byte
// header: stream type, 3 reserved bytes, 4-byte big-endian length) and
// emits one LogLine per frame.
func demuxLogs(r io.Reader, out chan<- sandboxdriver.LogLine) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		stream := "stdout"
		if header[0] == 2 {
			stream = "stderr"
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size <= 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}
		text := string(bytes.TrimRight(payload, "\n"))
		ts := time.Now().UTC()
		if idx := bytes.IndexByte(payload, ' '); idx > 0 {
			if parsed, err := time.Parse(time.RFC3339Nano, string(payload[:idx])); err == nil {
				ts = parsed
				text = string(bytes.TrimRight(payload[idx+1:], "\n"))
			}
		}
		line := sandboxdriver.LogLine{Time: ts, Stream: stream, Text: text}
		if text == sentinelMarker {
			line.Sentinel = true
			out <- line
			return
		}
		out <- line
	}
}
