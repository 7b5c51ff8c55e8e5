package internal

import (
	"errors"
	"time"

	"golang.org/x/exp/slog"
)

// Mirror receives sensor and alert texts after they have been fanned out.
type Mirror interface {
	Publish(kind Kind, payload []byte)
}

// Router classifies inbound messages and sends them on. Handle is called from
// the reading goroutine of the peer, so a peer's messages are processed in
// arrival order.
type Router struct {
	logger    *slog.Logger
	registry  *Registry
	fanout    *Fanout
	forwarder Forwarder
	mirror    Mirror
	now       func() time.Time
}

// NewRouter accepts nil for forwarder and mirror.
func NewRouter(logger *slog.Logger, registry *Registry, fanout *Fanout, forwarder Forwarder, mirror Mirror) *Router {
	return &Router{
		logger:    logger,
		registry:  registry,
		fanout:    fanout,
		forwarder: forwarder,
		mirror:    mirror,
		now:       time.Now,
	}
}

func (r *Router) Handle(p *Peer, data []byte, binary bool) {
	log := r.logger.With(slog.String("id", p.ID()))

	if n, ok := p.assembler.Expire(r.now()); ok {
		log.Warn("stale image assembly discarded", slog.Int("bytes", n))
	}

	if binary {
		r.chunk(log, p, data)
		return
	}

	envelope, err := ParseEnvelope(data)
	if err != nil {
		log.Warn("dropped text message", slog.String("reason", err.Error()))
		return
	}

	switch msg := envelope.(type) {
	case Register:
		role, err := ParseRole(msg.Role)
		if err != nil {
			log.Warn("unknown register role", slog.String("role", msg.Role))
			return
		}

		r.registry.Register(p, role)
		log.Info("registered", slog.String("role", role.String()), slog.Int("observers", r.registry.Stats().Observers))
	case ImageStart:
		if n := p.assembler.Start(msg.Len, r.now()); n > 0 {
			log.Warn("img_start discarded unfinished image", slog.Int("bytes", n))
		}

		log.Debug("img_start", slog.Int("expected", msg.Len))
	case ImageEnd:
		frame, ok := p.assembler.End()
		if !ok {
			log.Debug("img_end with no image in progress")
			return
		}

		r.emit(log, frame)
	case Control:
		control := r.registry.Control()
		if control == nil || !control.Open() {
			log.Debug("no control connection, command dropped", slog.String("cmd", msg.Cmd))
			return
		}

		if err := control.Send(Message{Buffer: msg.Raw}); err != nil {
			log.Warn("failed to forward command", slog.String("cmd", msg.Cmd), slog.String("reason", err.Error()))
			return
		}

		log.Debug("command forwarded", slog.String("cmd", msg.Cmd), slog.String("control", control.ID()))
	case Sensor:
		r.publish(log, KindSensor, msg.Raw)
	case Alert:
		r.publish(log, KindAlert, msg.Raw)
	default:
		log.Debug("unhandled message type", slog.String("type", string(envelope.Kind())))
	}
}

// Drop forgets p; any partial image is thrown away.
func (r *Router) Drop(p *Peer) {
	r.registry.Unregister(p)

	if n := p.assembler.Reset(); n > 0 {
		r.logger.Debug("discarded partial image on close", slog.String("id", p.ID()), slog.Int("bytes", n))
	}
}

// Broadcast sends text to every local observer. Cluster events land here on
// every instance, so it does not mirror.
func (r *Router) Broadcast(payload []byte) int {
	return r.fanout.Broadcast(Message{Buffer: payload})
}

// Mirror hands payload to the event mirror, if there is one. Call it once per
// event, on the instance where the event entered the cluster.
func (r *Router) Mirror(kind Kind, payload []byte) {
	if r.mirror != nil {
		r.mirror.Publish(kind, payload)
	}
}

func (r *Router) chunk(log *slog.Logger, p *Peer, data []byte) {
	frame, err := p.assembler.Chunk(data, r.now())
	if errors.Is(err, ErrFrameTooLarge) {
		log.Warn("image exceeds size limit, dropping it", slog.Int("chunk", len(data)))
		return
	}

	if frame != nil {
		r.emit(log, frame)
	}
}

func (r *Router) emit(log *slog.Logger, frame []byte) {
	delivered := r.fanout.Broadcast(Message{Binary: true, Buffer: frame})
	log.Debug("frame relayed", slog.Int("size", len(frame)), slog.Int("observers", delivered))

	if r.forwarder != nil {
		r.forwarder.Forward(frame)
	}
}

func (r *Router) publish(log *slog.Logger, kind Kind, raw []byte) {
	delivered := r.Broadcast(raw)
	r.Mirror(kind, raw)
	log.Debug("event relayed", slog.String("type", string(kind)), slog.Int("observers", delivered))
}
