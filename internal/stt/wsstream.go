package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeTimeout = 10 * time.Second
	flushTimeout = 3 * time.Second
)

// parseFunc decodes one backend message into words. done reports that the
// backend will send nothing further.
type parseFunc func(msg []byte) (words []word, done bool, err error)

// wsStream is the websocket plumbing shared by the provider clients: a
// serialized writer, a read goroutine feeding the segmenter and a
// flush-then-close shutdown.
type wsStream struct {
	name   string
	conn   *websocket.Conn
	parse  parseFunc
	seg    *segmenter
	cb     Callbacks
	finish func() error // writes the backend's end-of-audio message
	log    zerolog.Logger

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newWSStream(name string, conn *websocket.Conn, parse parseFunc, seg *segmenter, cb Callbacks, log zerolog.Logger) *wsStream {
	return &wsStream{
		name:  name,
		conn:  conn,
		parse: parse,
		seg:   seg,
		cb:    cb,
		log:   log,
		done:  make(chan struct{}),
	}
}

func (s *wsStream) start() {
	go s.readLoop()
}

func (s *wsStream) readLoop() {
	defer close(s.done)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.fail(fmt.Errorf("%s read: %w", s.name, err))
			return
		}
		words, done, err := s.parse(msg)
		if err != nil {
			s.fail(err)
			return
		}
		if segs := s.seg.build(words); len(segs) > 0 && s.cb.OnBatch != nil {
			s.cb.OnBatch(segs)
		}
		if done {
			return
		}
	}
}

func (s *wsStream) fail(err error) {
	s.log.Warn().Err(err).Msg("transcription stream failed")
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *wsStream) write(ctx context.Context, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(messageType, data)
}

func (s *wsStream) Send(ctx context.Context, pcm []byte) error {
	if s.closing.Load() {
		return errors.New(s.name + " stream closed")
	}
	if err := s.write(ctx, websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("%s send: %w", s.name, err)
	}
	return nil
}

// Close asks the backend to flush, waits briefly for its final results and
// then tears the connection down.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.finish != nil {
			if err := s.finish(); err != nil {
				s.log.Debug().Err(err).Msg("end-of-audio message not sent")
			}
		}
		select {
		case <-s.done:
		case <-time.After(flushTimeout):
		}

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
		<-s.done
		s.log.Debug().Msg("transcription stream closed")
	})
	return s.closeErr
}
