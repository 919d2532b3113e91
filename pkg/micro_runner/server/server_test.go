package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
)

type stubHandler struct{}

func (stubHandler) Capabilities() map[string]bool {
	return map[string]bool{"exec": true}
}

func (stubHandler) Handle(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	var params protocol.ExecParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return nil, err
	}
	switch params.Command {
	case "fail":
		return nil, errors.New("exploded")
	case "sleep":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	eventCh <- &protocol.EventMessage{Level: "info", Message: "running " + params.Command}
	return json.Marshal(protocol.ExecResult{Stdout: params.Command})
}

func cmdLine(t *testing.T, id, command string, timeout int) string {
	t.Helper()
	var buf bytes.Buffer
	params, _ := json.Marshal(protocol.ExecParams{Command: command})
	err := protocol.NewEncoder(&buf).Encode(protocol.MessageTypeCommand, &protocol.CommandMessage{
		ID: id, Type: protocol.CommandTypeExec, Timeout: timeout, Params: params,
	})
	if err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	return buf.String()
}

func readAll(t *testing.T, out *bytes.Buffer) []*protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder(out)
	var msgs []*protocol.Message
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		if err != nil {
			t.Fatalf("failed to decode output: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func TestServe(t *testing.T) {
	input := cmdLine(t, "c1", "ls", 10) +
		"{not json}\n" +
		cmdLine(t, "c2", "fail", 10) +
		cmdLine(t, "c3", "sleep", 1)

	var out bytes.Buffer
	srv := &Server{Handler: stubHandler{}, Version: "test", Logger: zerolog.Nop()}
	exit := srv.Serve(context.Background(), strings.NewReader(input), &out)

	if exit.Reason != ReasonStdinClosed || exit.ExitCode != 0 || exit.CommandsTotal != 3 || exit.SelfDeleted {
		t.Errorf("unexpected exit %+v", exit)
	}

	msgs := readAll(t, &out)
	want := []protocol.MessageType{
		protocol.MessageTypeReady,
		protocol.MessageTypeEvent,
		protocol.MessageTypeDone,
		protocol.MessageTypeError,
		protocol.MessageTypeError,
		protocol.MessageTypeError,
		protocol.MessageTypeExit,
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, typ := range want {
		if msgs[i].Type != typ {
			t.Errorf("message %d: expected %s, got %s", i, typ, msgs[i].Type)
		}
	}

	var ready protocol.ReadyMessage
	if err := protocol.ParseParams(msgs[0].Data, &ready); err != nil {
		t.Fatalf("failed to parse READY: %v", err)
	}
	if ready.Version != "test" || !ready.Caps["exec"] || ready.Metadata["ttl"] != DefaultTTL.String() {
		t.Errorf("unexpected READY %+v", ready)
	}

	var evt protocol.EventMessage
	if err := protocol.ParseParams(msgs[1].Data, &evt); err != nil {
		t.Fatalf("failed to parse EVENT: %v", err)
	}
	if evt.CommandID != "c1" || evt.Message != "running ls" {
		t.Errorf("unexpected event %+v", evt)
	}

	codes := make([]string, 0, 3)
	for _, m := range msgs[3:6] {
		var e protocol.ErrorMessage
		if err := protocol.ParseParams(m.Data, &e); err != nil {
			t.Fatalf("failed to parse ERROR: %v", err)
		}
		codes = append(codes, e.CommandID+":"+e.Code)
	}
	wantCodes := []string{":INVALID_COMMAND", "c2:EXEC_FAILED", "c3:TIMEOUT"}
	for i := range wantCodes {
		if codes[i] != wantCodes[i] {
			t.Errorf("error %d: expected %s, got %s", i, wantCodes[i], codes[i])
		}
	}
}

func TestServeTTL(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()

	var out bytes.Buffer
	srv := &Server{Handler: stubHandler{}, TTL: 50 * time.Millisecond, Logger: zerolog.Nop()}
	exit := srv.Serve(context.Background(), inR, &out)
	if exit.Reason != ReasonTTLExpired {
		t.Errorf("expected ttl_expired, got %s", exit.Reason)
	}
}

func TestServeCancelled(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	srv := &Server{Handler: stubHandler{}, Logger: zerolog.Nop()}
	if exit := srv.Serve(ctx, inR, &out); exit.Reason != ReasonCancelled {
		t.Errorf("expected cancelled, got %s", exit.Reason)
	}
}
