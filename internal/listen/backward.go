package listen

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/metrics"
)

// Backward sync commands.
const (
	cmdEnd     = 0
	cmdNewFile = 1
)

// syncHeader is command, file index and payload length.
const syncHeader = 12

// RunBackward serves a backward sync: the client uploads files it buffered
// while offline, announced by index into files. Malformed and unknown
// messages are skipped. The sync ends on the end command, when the client
// leaves or when ctx is done.
func RunBackward(ctx context.Context, conn Conn, files []string, sink *EventSink, log zerolog.Logger) error {
	stop := context.AfterFunc(ctx, conn.Interrupt)
	defer stop()

	err := backwardLoop(ctx, conn, files, sink, log)
	code := CloseCode(err)
	if code == websocket.CloseInternalServerErr {
		log.Error().Err(err).Msg("backward sync failed")
	}
	conn.Close(code, "")
	if errors.Is(err, ErrClientGone) || ctx.Err() != nil {
		return nil
	}
	return err
}

func backwardLoop(ctx context.Context, conn Conn, files []string, sink *EventSink, log zerolog.Logger) error {
	for {
		msg, err := conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		name, end, err := parseSyncMessage(msg, files)
		switch {
		case end:
			log.Info().Msg("backward sync finished")
			return nil
		case err != nil:
			log.Warn().Err(err).Msg("skipping sync message")
		case name != "":
			log.Info().Str("file", name).Int("bytes", len(msg)-syncHeader).Msg("backward file synced")
			metrics.BackwardFilesSyncedTotal.Inc()
			sink.Emit(Event{Type: EventBackwardSynced, Name: name})
		}
	}
}

// parseSyncMessage decodes one message. It returns end=true for the end
// command, the file name for a valid file message, and nothing for
// messages that are ignored.
func parseSyncMessage(msg []byte, files []string) (name string, end bool, err error) {
	if len(msg) < 4 {
		return "", false, &FramingError{Size: len(msg), Reason: "short command"}
	}
	switch binary.BigEndian.Uint32(msg[:4]) {
	case cmdEnd:
		return "", true, nil
	case cmdNewFile:
	default:
		return "", false, nil
	}
	if len(msg) < 8 {
		return "", false, &FramingError{Size: len(msg), Reason: "missing file index"}
	}
	idx := binary.BigEndian.Uint32(msg[4:8])
	if uint64(idx) >= uint64(len(files)) {
		return "", false, &FramingError{Size: len(msg), Reason: "file index out of range"}
	}
	if len(msg) < syncHeader {
		return "", false, &FramingError{Size: len(msg), Reason: "missing length"}
	}
	if n := binary.BigEndian.Uint32(msg[8:12]); uint64(n) > uint64(len(msg)-syncHeader) {
		return "", false, &FramingError{Size: len(msg), Reason: "length exceeds payload"}
	}
	return files[idx], false, nil
}
