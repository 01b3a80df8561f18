package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/attentive-audio/turnstile/internal/app"
	"github.com/attentive-audio/turnstile/pkg/audio"
)

// Wire codecs accepted in the start frame.
const (
	// CodecPCM16 is 16 kHz little-endian mono PCM, passed through as-is.
	CodecPCM16 = "pcm16"

	// CodecOpus is 48 kHz Opus packets, decoded and resampled to 16 kHz
	// mono before entering the pipeline.
	CodecOpus = "opus"
)

// maxAudioMessage bounds a single inbound WebSocket message.
const maxAudioMessage = 1 << 20

// writeTimeout bounds a single outbound event write.
const writeTimeout = 5 * time.Second

// clientMessage is a JSON text frame from the client.
type clientMessage struct {
	// Type is "start" or "stop".
	Type string `json:"type"`

	// SessionID names the detection session. Empty on start means the
	// server generates one.
	SessionID string `json:"session_id,omitempty"`

	// Codec is the audio wire format, [CodecPCM16] (default) or [CodecOpus].
	Codec string `json:"codec,omitempty"`
}

// serverMessage is a JSON text frame to the client.
type serverMessage struct {
	// Type is "ready", "turn_complete", "session_error", or "error".
	Type string `json:"type"`

	SessionID   string  `json:"session_id,omitempty"`
	Detector    string  `json:"detector,omitempty"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	SpeechMs    int64   `json:"speech_ms,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	PartialText string  `json:"partial_text,omitempty"`
}

// handleListen upgrades the connection and runs the ingress protocol:
// one start frame, then binary audio until stop or disconnect.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxAudioMessage)

	ctx := r.Context()
	defer conn.Close(websocket.StatusInternalError, "ingress terminated")

	start, err := readStart(ctx, conn)
	if err != nil {
		writeEvent(ctx, conn, serverMessage{Type: "error", Reason: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "bad start frame")
		return
	}

	decode, err := newDecoder(start.Codec)
	if err != nil {
		writeEvent(ctx, conn, serverMessage{Type: "error", Reason: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "unsupported codec")
		return
	}

	sessionID := start.SessionID
	if sessionID == "" {
		sessionID = "turn-" + time.Now().UTC().Format("20060102T150405.000Z")
	}

	sess, err := s.app.Sessions().Start(ctx, sessionID)
	if err != nil {
		reason := "internal error"
		code := websocket.StatusInternalError
		if errors.Is(err, app.ErrSessionActive) {
			reason = "a detection session is already active"
			code = websocket.StatusPolicyViolation
		}
		slog.Warn("session start rejected", "session_id", sessionID, "err", err)
		writeEvent(ctx, conn, serverMessage{Type: "error", Reason: reason})
		conn.Close(code, reason)
		return
	}
	defer sess.Stop()

	writeEvent(ctx, conn, serverMessage{
		Type:      "ready",
		SessionID: sessionID,
		Detector:  sess.Detector(),
	})

	// Forward detector events to the client while the read loop below
	// consumes audio.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.forwardEvents(ctx, conn, sess)
	}()

	s.readAudio(ctx, conn, sess, decode)

	sess.Stop() // closes the event channels, releasing forwardEvents
	wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// readStart reads and validates the initial JSON start frame.
func readStart(ctx context.Context, conn *websocket.Conn) (clientMessage, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return clientMessage{}, fmt.Errorf("read start frame: %w", err)
	}
	if typ != websocket.MessageText {
		return clientMessage{}, errors.New("first frame must be a JSON start message")
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, fmt.Errorf("decode start frame: %w", err)
	}
	if msg.Type != "start" {
		return clientMessage{}, fmt.Errorf("unexpected frame type %q, want \"start\"", msg.Type)
	}
	return msg, nil
}

// newDecoder returns the per-connection audio transform for a codec. The
// pcm16 transform is the identity.
func newDecoder(codec string) (func([]byte) ([]byte, error), error) {
	switch codec {
	case "", CodecPCM16:
		return func(b []byte) ([]byte, error) { return b, nil }, nil
	case CodecOpus:
		dec, err := audio.NewOpusDecoder()
		if err != nil {
			return nil, err
		}
		return func(packet []byte) ([]byte, error) {
			pcm, err := dec.DecodeMono(packet)
			if err != nil {
				return nil, err
			}
			return audio.ResampleMono16(pcm, 48000, 16000), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// readAudio consumes frames until stop, disconnect, or ctx cancellation.
func (s *Server) readAudio(ctx context.Context, conn *websocket.Conn, sess *app.Session, decode func([]byte) ([]byte, error)) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return
			}
			slog.Debug("ingress read ended", "session_id", sess.ID(), "err", err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			pcm, err := decode(data)
			if err != nil {
				slog.Warn("dropping undecodable audio frame", "session_id", sess.ID(), "err", err)
				continue
			}
			if err := sess.PushAudio(ctx, pcm); err != nil {
				slog.Warn("audio push failed", "session_id", sess.ID(), "err", err)
			}

		case websocket.MessageText:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("ignoring malformed control frame", "session_id", sess.ID(), "err", err)
				continue
			}
			if msg.Type == "stop" {
				return
			}
			slog.Warn("ignoring unexpected control frame", "session_id", sess.ID(), "type", msg.Type)
		}
	}
}

// forwardEvents pushes detector events to the client until the session's
// channels close.
func (s *Server) forwardEvents(ctx context.Context, conn *websocket.Conn, sess *app.Session) {
	completions := sess.Completions()
	errs := sess.Errors()

	for completions != nil || errs != nil {
		select {
		case <-ctx.Done():
			return

		case c, ok := <-completions:
			if !ok {
				completions = nil
				continue
			}
			writeEvent(ctx, conn, serverMessage{
				Type:       "turn_complete",
				SessionID:  sess.ID(),
				Detector:   sess.Detector(),
				Text:       c.Text,
				Confidence: c.Confidence,
				SpeechMs:   c.Duration.Milliseconds(),
			})

		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			reason := "unknown"
			if e.Reason != nil {
				reason = e.Reason.Error()
			}
			writeEvent(ctx, conn, serverMessage{
				Type:        "session_error",
				SessionID:   sess.ID(),
				Reason:      reason,
				PartialText: e.PartialText,
			})
		}
	}
}

// writeEvent sends one JSON text frame, best-effort.
func writeEvent(ctx context.Context, conn *websocket.Conn, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("event marshal failed", "type", msg.Type, "err", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Debug("event write failed", "type", msg.Type, "err", err)
	}
}
