package loader

import (
	"bufio"
	"context"
	"io"

	"github.com/pkg/errors"

	"go.viam.com/starfield/codec"
	"go.viam.com/starfield/octree"
	"go.viam.com/starfield/render"
)

// PayloadSource opens the payload file of an octant. Implementations must be safe for
// concurrent use.
type PayloadSource interface {
	OpenPayload(id int64) (io.ReadCloser, error)
	Units() codec.Units
}

type request struct {
	id    int64
	index octree.Index
	// distance from the observer when the request was queued, used to order dispatch
	distance float64
}

type result struct {
	id    int64
	index octree.Index
	batch []render.Instance
	err   error
}

// work serves requests until ctx is done. A payload that cannot be loaded produces a result
// carrying the error; it never stops the worker.
func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requests:
			res := p.load(req)
			select {
			case p.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) load(req request) result {
	res := result{id: req.id, index: req.index}
	if batch, ok := p.cache.get(req.id); ok {
		p.metrics.CacheHits.Inc()
		res.batch = batch
		return res
	}

	start := p.clock.Now()
	batch, err := decodePayload(p.source, req.id)
	p.metrics.Latency.Observe(p.clock.Since(start).Seconds())
	if err != nil {
		res.err = err
		return res
	}
	p.cache.add(req.id, batch)
	res.batch = batch
	return res
}

func decodePayload(source PayloadSource, id int64) (batch []render.Instance, err error) {
	rc, err := source.OpenPayload(id)
	if err != nil {
		return nil, errors.Wrapf(err, "opening payload of octant %d", id)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "closing payload of octant %d", id)
		}
	}()

	_, particles, err := codec.Particles(bufio.NewReaderSize(rc, 64<<10), source.Units())
	if err != nil {
		return nil, errors.Wrapf(err, "decoding payload of octant %d", id)
	}
	return codec.Instances(particles), nil
}
