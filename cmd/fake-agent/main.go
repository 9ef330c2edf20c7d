// ABOUTME: Minimal managed agent for E2E testing: serves a card and echoes work over SSE
// ABOUTME: Usage: fake-agent [-port 9100] [-name "Echo Agent"] [-delay 50ms]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/jsonrpc"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/stream"
	"github.com/2389/coven-runtime/internal/task"
)

func main() {
	defaultPort, _ := strconv.Atoi(os.Getenv("PORT"))
	port := flag.Int("port", defaultPort, "listen port (default $PORT)")
	host := flag.String("host", "127.0.0.1", "listen host")
	name := flag.String("name", "Echo Agent", "agent display name")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between streamed events")
	flag.Parse()

	if *port <= 0 {
		log.Fatal("fake-agent: -port or $PORT is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, net.JoinHostPort(*host, strconv.Itoa(*port)), &agent{name: *name, delay: *delay}); err != nil {
		log.Fatal(err)
	}
}

func (a *agent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.DefaultCardPath, a.serveCard)
	mux.HandleFunc("POST /", a.serveRPC)
	return mux
}

func run(ctx context.Context, addr string, a *agent) error {
	srv := &http.Server{Addr: addr, Handler: a.handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("fake-agent %q listening on %s", a.name, addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type agent struct {
	name  string
	delay time.Duration
}

func (a *agent) serveCard(w http.ResponseWriter, r *http.Request) {
	card := protocol.Card{
		Name:            a.name,
		Description:     "Echoes messages back, with a tool call along the way",
		Version:         "1.0.0",
		URL:             "http://" + r.Host,
		ProtocolVersion: "0.3.0",
		Skills: []protocol.Skill{
			{ID: "echo", Name: "Echo", Description: "Repeats the message", Tags: []string{"test"}},
		},
		Capabilities:       protocol.Capabilities{Streaming: true},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain", "application/json"},
	}
	writeJSON(w, card)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func (a *agent) serveRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	req, rpcErr := jsonrpc.ParseRequest(body)
	if rpcErr != nil {
		writeJSON(w, jsonrpc.NewErrorResponse(nil, rpcErr))
		return
	}
	if req.Method != protocol.MethodStream {
		writeJSON(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.MethodNotFound, "method not found: "+req.Method)))
		return
	}

	var wr protocol.WorkRequest
	if rpcErr := req.DecodeParams(&wr); rpcErr != nil {
		writeJSON(w, jsonrpc.NewErrorResponse(req.ID, rpcErr))
		return
	}
	if !stream.PrepareSSE(w) {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	log.Printf("work for task %s: %q", wr.TaskID, wr.Message.Text())
	if err := a.work(r.Context(), w, wr); err != nil && r.Context().Err() == nil {
		log.Printf("task %s: %v", wr.TaskID, err)
	}
}

// work streams the echo script for one request. Text starting with "ask:"
// pauses for input, "fail" reports an error, anything else completes.
func (a *agent) work(ctx context.Context, w io.Writer, wr protocol.WorkRequest) error {
	text := strings.TrimSpace(wr.Message.Text())
	emit := func(event string, data any) error {
		if err := stream.WriteSSE(w, event, data); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.delay):
			return nil
		}
	}

	if err := emit(protocol.WorkStep, protocol.StepReport{ID: "think", Name: "think", Status: store.StepRunning}); err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(text, "ask:"):
		if err := emit(protocol.WorkStep, protocol.StepReport{ID: "think", Name: "think", Status: store.StepCompleted}); err != nil {
			return err
		}
		return emit(protocol.WorkStatus, protocol.StatusReport{
			State:   task.StateInputRequired,
			Message: strings.TrimSpace(strings.TrimPrefix(text, "ask:")),
		})
	case strings.EqualFold(text, "fail"):
		if err := emit(protocol.WorkStep, protocol.StepReport{ID: "think", Name: "think", Status: store.StepFailed, Error: "asked to fail"}); err != nil {
			return err
		}
		return emit(protocol.WorkError, protocol.FinishReport{Message: "asked to fail"})
	}

	words := strings.Fields(text)
	rows := make([]map[string]any, 0, len(words))
	for i, word := range words {
		rows = append(rows, map[string]any{"position": i + 1, "word": word, "length": len(word)})
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	steps := []struct {
		event string
		data  any
	}{
		{protocol.WorkStep, protocol.StepReport{ID: "split", Name: "split words", Status: store.StepRunning}},
		{protocol.WorkToolResult, protocol.ToolResultReport{Tool: "split", Name: "words", Payload: payload}},
		{protocol.WorkStep, protocol.StepReport{ID: "split", Name: "split words", Status: store.StepCompleted}},
		{protocol.WorkStep, protocol.StepReport{ID: "think", Name: "think", Status: store.StepCompleted}},
		{protocol.WorkMessage, store.NewMessage(uuid.NewString(), store.RoleAgent, store.TextPart(echoReply(text, len(wr.History))))},
		{protocol.WorkDone, protocol.FinishReport{Message: fmt.Sprintf("Echo: %s", text)}},
	}
	for _, s := range steps {
		if err := emit(s.event, s.data); err != nil {
			return err
		}
	}
	return nil
}

func echoReply(input string, turns int) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	}
	if turns > 1 {
		return fmt.Sprintf("Echo: **%s** (turn %d of this task)", input, turns)
	}
	return fmt.Sprintf("Echo: **%s**", input)
}
