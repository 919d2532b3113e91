// Package server runs the archstate-runner command loop: announce READY,
// answer CMD messages until stdin closes or the TTL expires, then send EXIT.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
)

// DefaultTTL bounds the lifetime of a runner.
const DefaultTTL = 10 * time.Minute

// Exit reasons reported in the EXIT message.
const (
	ReasonStdinClosed = "stdin_closed"
	ReasonTTLExpired  = "ttl_expired"
	ReasonCancelled   = "cancelled"
	ReasonError       = "error"
)

// Handler executes one command and returns its JSON result.
type Handler interface {
	Handle(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error)
	Capabilities() map[string]bool
}

// Server serves one controller over a reader and writer pair.
type Server struct {
	Handler Handler
	Version string
	TTL     time.Duration
	Logger  zerolog.Logger

	// SelfDelete removes ExecPath before exiting.
	SelfDelete bool
	ExecPath   string

	encoder      *protocol.Encoder
	commandCount int
}

type decoded struct {
	cmd *protocol.CommandMessage
	err error
}

// Serve runs the loop and returns the exit message it sent.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) *protocol.ExitMessage {
	s.encoder = protocol.NewEncoder(out)
	decoder := protocol.NewDecoder(in)

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	if err := s.sendReady(ttl); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to send READY")
		return s.exit(ReasonError, 1)
	}

	cmds := make(chan decoded)
	go func() {
		for {
			cmd, err := decoder.DecodeCommand()
			select {
			case cmds <- decoded{cmd: cmd, err: err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrStream) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return s.exit(ReasonTTLExpired, 0)
			}
			return s.exit(ReasonCancelled, 0)

		case d := <-cmds:
			switch {
			case errors.Is(d.err, io.EOF):
				return s.exit(ReasonStdinClosed, 0)
			case errors.Is(d.err, protocol.ErrStream):
				s.Logger.Error().Err(d.err).Msg("Input stream failed")
				return s.exit(ReasonError, 1)
			case d.err != nil:
				s.Logger.Warn().Err(d.err).Msg("Rejected command")
				if err := s.encoder.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeInvalidCommand, Message: d.err.Error()}); err != nil {
					return s.exit(ReasonError, 1)
				}
			default:
				if err := s.process(ctx, d.cmd); err != nil {
					s.Logger.Error().Err(err).Msg("Failed to write response")
					return s.exit(ReasonError, 1)
				}
			}
		}
	}
}

func (s *Server) sendReady(ttl time.Duration) error {
	return s.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  s.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     s.Handler.Capabilities(),
		Metadata: map[string]string{
			"ttl": ttl.String(),
		},
	})
}

// process runs one command. Only write failures are returned.
func (s *Server) process(ctx context.Context, cmd *protocol.CommandMessage) error {
	s.commandCount++
	logger := s.Logger.With().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Logger()

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 10)
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for evt := range eventCh {
			evt.CommandID = cmd.ID
			if err := s.encoder.EncodeEvent(evt); err != nil {
				logger.Warn().Err(err).Msg("Failed to send event")
			}
		}
	}()

	start := time.Now()
	result, err := s.Handler.Handle(cmdCtx, cmd, eventCh)
	duration := time.Since(start)
	close(eventCh)
	<-eventsDone

	if err != nil {
		code := protocol.CodeExecFailed
		retryable := false
		if cmdCtx.Err() != nil {
			code = protocol.CodeTimeout
			retryable = true
		}
		logger.Warn().Err(err).Dur("duration", duration).Msg("Command failed")
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   err.Error(),
			Retryable: retryable,
		})
	}

	logger.Debug().Dur("duration", duration).Msg("Command done")
	return s.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration.Seconds(),
	})
}

func (s *Server) exit(reason string, exitCode int) *protocol.ExitMessage {
	msg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: s.commandCount,
	}
	if s.SelfDelete && s.ExecPath != "" {
		if err := os.Remove(s.ExecPath); err == nil {
			msg.SelfDeleted = true
		} else {
			s.Logger.Warn().Err(err).Str("path", s.ExecPath).Msg("Failed to delete runner binary")
		}
	}
	if s.encoder != nil {
		if err := s.encoder.EncodeExit(msg); err != nil {
			s.Logger.Debug().Err(err).Msg("Failed to send EXIT")
		}
	}
	return msg
}
