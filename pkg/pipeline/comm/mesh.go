package comm

import (
	"context"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"k8s.io/klog/v2"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

const defaultLinkCapacity = 64

var (
	ErrInvalidPeer  = errors.New("peer is not a valid rank")
	ErrDuplicateTag = errors.New("tag already pending")
)

type envelope struct {
	tag     Tag
	payload []*tensor.Tensor
	done    chan struct{}
}

type MeshOption func(m *Mesh)

// WithLinkCapacity sets how many messages a link buffers before Send blocks.
func WithLinkCapacity(capacity int) MeshOption {
	return func(m *Mesh) {
		m.capacity = capacity
	}
}

// Mesh connects worldSize in-process workers with one buffered channel per ordered pair. A rank
// owning several stages also has a link to itself.
type Mesh struct {
	capacity  int
	links     [][]chan envelope
	endpoints []*Endpoint
}

// NewMesh builds a fully connected mesh.
func NewMesh(worldSize int, opts ...MeshOption) (*Mesh, error) {
	if worldSize <= 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "world size must be positive, got %d", worldSize)
	}

	m := &Mesh{capacity: defaultLinkCapacity}
	for _, opt := range opts {
		opt(m)
	}

	if m.capacity < 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "link capacity must not be negative, got %d", m.capacity)
	}

	m.links = make([][]chan envelope, worldSize)
	m.endpoints = make([]*Endpoint, worldSize)

	for src := range worldSize {
		m.links[src] = make([]chan envelope, worldSize)
		for dst := range worldSize {
			m.links[src][dst] = make(chan envelope, m.capacity)
		}

		m.endpoints[src] = &Endpoint{mesh: m, rank: src, pending: make([][]envelope, worldSize)}
	}

	return m, nil
}

// WorldSize is the number of workers.
func (m *Mesh) WorldSize() int {
	return len(m.endpoints)
}

// Endpoint returns the transport of rank.
func (m *Mesh) Endpoint(rank int) *Endpoint {
	return m.endpoints[rank]
}

// Drain discards every buffered and stashed message so the mesh can serve a new step after a
// failed one. It must not run concurrently with Send or Recv.
func (m *Mesh) Drain() int {
	dropped := 0

	for src := range m.links {
		for _, link := range m.links[src] {
		drain:
			for {
				select {
				case env := <-link:
					close(env.done)
					dropped++
				default:
					break drain
				}
			}
		}
	}

	for _, ep := range m.endpoints {
		for src, pending := range ep.pending {
			for _, env := range pending {
				close(env.done)
				dropped++
			}

			ep.pending[src] = nil
		}
	}

	if dropped > 0 {
		klog.V(1).Infof("mesh: drained %d messages", dropped)
	}

	return dropped
}

// Endpoint is the Transport of one rank of a Mesh. Recv must be called from a single goroutine.
type Endpoint struct {
	mesh    *Mesh
	rank    int
	pending [][]envelope
}

func (e *Endpoint) Rank() int {
	return e.rank
}

func (e *Endpoint) WorldSize() int {
	return e.mesh.WorldSize()
}

func (e *Endpoint) commError(op string, peer int, tag Tag, err error) error {
	return &model.CommunicationError{Op: op, Rank: e.rank, Peer: peer, Tag: tag.String(), Err: err}
}

func (e *Endpoint) checkPeer(op string, peer int, tag Tag) error {
	if peer < 0 || peer >= e.WorldSize() {
		return e.commError(op, peer, tag, ErrInvalidPeer)
	}

	return nil
}

func (e *Endpoint) Send(ctx context.Context, dst int, tag Tag, payload []*tensor.Tensor) (Request, error) {
	if err := e.checkPeer("send", dst, tag); err != nil {
		return nil, err
	}

	env := envelope{tag: tag, payload: payload, done: make(chan struct{})}

	select {
	case e.mesh.links[e.rank][dst] <- env:
	case <-ctx.Done():
		return nil, e.commError("send", dst, tag, ctx.Err())
	}

	klog.V(3).Infof("rank %d -> rank %d: %s (%s)", e.rank, dst, tag, humanize.Bytes(PayloadBytes(payload)))

	return &request{done: env.done}, nil
}

func (e *Endpoint) Recv(ctx context.Context, src int, tag Tag) ([]*tensor.Tensor, error) {
	if err := e.checkPeer("recv", src, tag); err != nil {
		return nil, err
	}

	if idx := slices.IndexFunc(e.pending[src], func(env envelope) bool { return env.tag == tag }); idx >= 0 {
		env := e.pending[src][idx]
		essentials.OrderedDelete(&e.pending[src], idx)

		return e.deliver(src, env), nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, e.commError("recv", src, tag, ctx.Err())
		case env := <-e.mesh.links[src][e.rank]:
			if env.tag == tag {
				return e.deliver(src, env), nil
			}

			if slices.ContainsFunc(e.pending[src], func(p envelope) bool { return p.tag == env.tag }) {
				close(env.done)

				return nil, e.commError("recv", src, env.tag, ErrDuplicateTag)
			}

			e.pending[src] = append(e.pending[src], env)
		}
	}
}

func (e *Endpoint) deliver(src int, env envelope) []*tensor.Tensor {
	close(env.done)
	klog.V(3).Infof("rank %d <- rank %d: %s (%s)", e.rank, src, env.tag, humanize.Bytes(PayloadBytes(env.payload)))

	return env.payload
}

// Pending is the number of messages from src received ahead of their Recv.
func (e *Endpoint) Pending(src int) int {
	return len(e.pending[src])
}

type request struct {
	done chan struct{}
}

func (r *request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for send")
	}
}
