package multiplex

import (
	"errors"
	"log/slog"

	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/internal/transport"
	"github.com/haasonsaas/livewire/internal/wire"
	"github.com/haasonsaas/livewire/pkg/models"
)

// TransportSource reads change events from a hub over a Transport. It sends
// changes_subscribe every time the transport opens, so a reconnect resumes
// the feed without consumer involvement.
type TransportSource struct {
	Transport *transport.Transport
	// ResourceClasses limits the feed; empty means all classes.
	ResourceClasses []string
	// CloseOnStop closes the transport when the source stops.
	CloseOnStop bool
	Logger      *slog.Logger
	Metrics     *observability.Metrics

	unlisten func()
}

// Start implements Source.
func (s *TransportSource) Start(deliver func(models.ChangeEvent)) error {
	if s.Transport == nil {
		return errors.New("transport source: transport is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "change_feed")

	subscribe := func() {
		frame, err := wire.NewFrame(wire.TypeChangesSubscribe, "", wire.ChangesSubscribe{ResourceClasses: s.ResourceClasses})
		if err != nil {
			logger.Error("encode changes_subscribe", "error", err)
			return
		}
		if err := s.Transport.SendFrame(frame); err != nil {
			logger.Warn("changes_subscribe not sent", "error", err)
		}
	}

	s.unlisten = s.Transport.Listen(transport.Handler{
		OnOpen: subscribe,
		OnMessage: func(data []byte) {
			frame, err := wire.Decode(data)
			if err != nil {
				s.Metrics.FrameMalformed("change_feed")
				logger.Warn("dropping malformed frame", "error", err)
				return
			}
			if frame.Type != wire.TypeChange {
				return
			}
			s.Metrics.FrameReceived(s.Transport.Name(), frame.Type)
			var ev models.ChangeEvent
			if err := frame.DecodePayload(&ev); err != nil || ev.ResourceClass == "" {
				s.Metrics.FrameMalformed("change_feed")
				logger.Warn("dropping malformed change event", "error", err)
				return
			}
			deliver(ev)
		},
	})

	if s.Transport.State() == transport.StateOpen {
		subscribe()
	} else {
		s.Transport.Connect()
	}
	return nil
}

// Stop implements Source.
func (s *TransportSource) Stop() error {
	if s.unlisten != nil {
		s.unlisten()
		s.unlisten = nil
	}
	if s.CloseOnStop && s.Transport != nil {
		s.Transport.Close()
	}
	return nil
}

// FuncSource adapts an in-process publisher. Start hands deliver to the
// publisher through Attach; Stop detaches it.
type FuncSource struct {
	Attach func(deliver func(models.ChangeEvent)) (detach func())

	detach func()
}

// Start implements Source.
func (s *FuncSource) Start(deliver func(models.ChangeEvent)) error {
	if s.Attach == nil {
		return errors.New("func source: attach is required")
	}
	s.detach = s.Attach(deliver)
	return nil
}

// Stop implements Source.
func (s *FuncSource) Stop() error {
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	return nil
}
