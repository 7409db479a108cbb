// ABOUTME: Minimal fake agent for E2E testing that speaks the control-plane protocol and echoes tasks.
// ABOUTME: Usage: fake-acp-agent [-addr localhost:8001] [-id echo-agent]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/agenthub-control/internal/acp"
)

func main() {
	addr := flag.String("addr", "localhost:8001", "listen address")
	agentID := flag.String("id", "echo-agent", "agent ID reported in messages")
	flag.Parse()

	if err := run(*addr, *agentID); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID string) error {
	a := &echoAgent{id: agentID}

	mux := http.NewServeMux()
	mux.HandleFunc("/acp", a.handleStream)
	mux.HandleFunc("/acp/handshake", a.handleHandshake)
	mux.HandleFunc("/acp/task", a.handleTask)
	mux.HandleFunc("/acp/heartbeat", a.handleHeartbeat)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake agent %s listening on %s\n", agentID, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type echoAgent struct {
	id       string
	upgrader websocket.Upgrader
}

// handleStream speaks the streaming transport: answers the handshake with
// readiness and echoes every task request back as a task response.
func (a *echoAgent) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := acp.Decode(data)
		if err != nil {
			log.Printf("dropping malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case acp.TypeHandshake:
			a.send(conn, acp.TypeHandshake, map[string]any{"status": "ready"})
		case acp.TypeTaskRequest:
			a.send(conn, acp.TypeTaskResponse, map[string]any{
				"request_id": msg.MessageID,
				"status":     "completed",
				"echo":       msg.Payload["parameters"],
				"endpoint":   msg.Payload["endpoint"],
			})
		case acp.TypeHeartbeat:
			a.send(conn, acp.TypeHeartbeat, map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			})
		case acp.TypeShutdown:
			log.Printf("shutdown notice received")
			return
		}
	}
}

func (a *echoAgent) send(conn *websocket.Conn, msgType acp.MessageType, payload map[string]any) {
	msg := acp.NewMessage(msgType, a.id, payload)
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("write failed: %v", err)
	}
}

func (a *echoAgent) handleHandshake(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ready"})
}

func (a *echoAgent) handleTask(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":   "completed",
		"echo":     payload["parameters"],
		"endpoint": payload["endpoint"],
	})
}

func (a *echoAgent) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{})
}

func writeJSON(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
