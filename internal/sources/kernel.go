package sources

import (
	stdLibErrors "errors"
	"os"
	"sync"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/procwatch/agent/internal/events"
)

// Generic-netlink family exposed by the kernel helper module (see
// kernel/communication.h).
const nlFamilyNameEvents = "procwatch-evt"

// KernelSource streams process lifecycle transitions published by the kernel
// helper over generic netlink. Events are pushed into a bounded channel;
// when the consumer lags, the oldest queued event is dropped and counted
// rather than blocking the receive loop.
type KernelSource struct {
	logger     *zap.Logger
	waitGroup  sync.WaitGroup
	conn       *genetlink.Conn
	connFamily *genetlink.Family
	eventsChan chan events.RawEvent
	subscribed *atomic.Bool
	closed     *atomic.Bool
	dropped    *atomic.Uint64
	undecoded  *atomic.Uint64
}

func NewKernelSource(rootLogger *zap.Logger, bufferSize int) (*KernelSource, error) {
	conn, err := genetlink.Dial(&netlink.Config{
		DisableNSLockThread: true,
	})
	if err != nil {
		return nil, errors.WithMessagef(ErrSourceInitFailed, "dial netlink connection: %v", err)
	}

	family, err := conn.GetFamily(nlFamilyNameEvents)
	if err != nil {
		_ = conn.Close()
		if stdLibErrors.Is(err, os.ErrNotExist) {
			return nil, errors.WithMessagef(ErrSourceInitFailed, "family '%s' does not exist", nlFamilyNameEvents)
		}
		return nil, errors.WithMessagef(ErrSourceInitFailed, "get family '%s': %v", nlFamilyNameEvents, err)
	}

	if bufferSize <= 0 {
		bufferSize = 1024
	}

	return &KernelSource{
		logger:     rootLogger.Named("kernel-source"),
		conn:       conn,
		connFamily: &family,
		eventsChan: make(chan events.RawEvent, bufferSize),
		subscribed: atomic.NewBool(false),
		closed:     atomic.NewBool(false),
		dropped:    atomic.NewUint64(0),
		undecoded:  atomic.NewUint64(0),
	}, nil
}

// Subscribe joins the family's multicast groups and starts the receive loop.
// The returned channel is closed when the source is closed.
func (s *KernelSource) Subscribe() (<-chan events.RawEvent, error) {
	if s.subscribed.Swap(true) {
		return nil, errors.New("already subscribed")
	}

	if err := s.joinFamilyGroups(); err != nil {
		return nil, errors.WithMessagef(ErrSourceInitFailed, "join family groups: %v", err)
	}

	s.waitGroup.Add(1)
	go s.receiveLoop()

	return s.eventsChan, nil
}

func (s *KernelSource) joinFamilyGroups() error {
	if len(s.connFamily.Groups) == 0 {
		return errors.Errorf("family '%s' has no multicast groups", s.connFamily.Name)
	}

	for _, group := range s.connFamily.Groups {
		s.logger.Debug("Joining family group", zap.String("GroupName", group.Name),
			zap.Uint32("GroupId", group.ID))

		if err := s.conn.JoinGroup(group.ID); err != nil {
			return errors.WithMessagef(err, "join group '%d'", group.ID)
		}
	}

	return nil
}

func (s *KernelSource) receiveLoop() {
	defer s.waitGroup.Done()
	defer close(s.eventsChan)

	s.logger.Debug("Listen for netlink messages")
	defer s.logger.Debug("Done listen for netlink messages")

	for {
		messages, _, err := s.conn.Receive()
		if err != nil {
			// There is no way to cancel a blocked Receive; Close() closes the
			// socket underneath it and the loop exits on the resulting EBADF.
			if err == unix.EBADF || s.closed.Load() {
				return
			}

			s.logger.Error("Failed to receive messages", zap.Error(err))
			continue
		}

		s.handleMessages(messages)
	}
}

func (s *KernelSource) handleMessages(messages []genetlink.Message) {
	for _, message := range messages {
		if message.Data == nil {
			continue
		}

		rawEvent, err := decodeRawEvent(message.Data)
		if err != nil {
			s.undecoded.Inc()
			s.logger.Error("Failed to decode lifecycle event payload",
				zap.Int("PayloadLen", len(message.Data)), zap.Error(err))
			continue
		}

		s.publish(*rawEvent)
	}
}

// publish enqueues an event, evicting the oldest queued one when the buffer
// is full. Kernel-side ordering per pid is preserved because this is the only
// writer.
func (s *KernelSource) publish(rawEvent events.RawEvent) {
	select {
	case s.eventsChan <- rawEvent:
		return
	default:
	}

	select {
	case <-s.eventsChan:
		s.dropped.Inc()
	default:
	}

	select {
	case s.eventsChan <- rawEvent:
	default:
		// A concurrent reader raced the eviction; drop the new event instead.
		s.dropped.Inc()
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *KernelSource) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *KernelSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if err := s.conn.Close(); err != nil {
		return errors.WithMessage(err, "close netlink connection")
	}

	s.waitGroup.Wait()
	return nil
}
