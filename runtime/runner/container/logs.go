package container

import (
	"context"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/strandsec/strand/runtime/event"
)

// streamLogs follows the container's terminal output for the duration of one
// attempt, chunking stdout and stderr into the artifact store. Each chunk
// carries a monotone index so reads reconstruct order; a stream.chunk event
// references every stored chunk by digest.
func (r *Runner) streamLogs(ctx context.Context, inst *instance, runID, nodeRef string) {
	reader, err := r.docker.ContainerLogs(ctx, inst.id, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Since:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		r.logger.Warn(ctx, "follow container logs", "container", inst.name, "err", err)
		return
	}
	defer func() {
		_ = reader.Close()
	}()

	stdout := &chunkWriter{r: r, ctx: ctx, runID: runID, nodeRef: nodeRef, stream: "stdout"}
	stderr := &chunkWriter{r: r, ctx: ctx, runID: runID, nodeRef: nodeRef, stream: "stderr"}
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && ctx.Err() == nil {
		r.logger.Warn(ctx, "demux container logs", "container", inst.name, "err", err)
	}
}

// chunkWriter appends each write as one artifact chunk. Writes arrive already
// framed by the engine's log demultiplexer.
type chunkWriter struct {
	r       *Runner
	ctx     context.Context
	runID   string
	nodeRef string
	stream  string
	index   int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := p
	if w.r.scrubber != nil {
		data = []byte(w.r.scrubber.Scrub(string(p)))
	}
	digest, err := w.r.arts.AppendChunk(w.ctx, w.runID, w.nodeRef, w.stream, w.index, data)
	if err != nil {
		w.r.logger.Warn(w.ctx, "store log chunk",
			"run", w.runID, "node", w.nodeRef, "stream", w.stream, "err", err)
		return len(p), nil
	}
	if w.r.hub != nil {
		if _, err := w.r.hub.Publish(w.ctx, event.New(w.runID, w.nodeRef, event.KindStreamChunk, event.StreamChunkPayload{
			Stream: w.stream,
			Index:  w.index,
			Digest: string(digest),
			Size:   len(data),
		})); err != nil {
			w.r.logger.Warn(w.ctx, "publish stream chunk", "run", w.runID, "err", err)
		}
	}
	w.index++
	return len(p), nil
}
