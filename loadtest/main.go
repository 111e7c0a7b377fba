package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
)

const password = "password123"

type authResponse struct {
	Token    string `json:"access_token"`
	Username string `json:"username"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	messages := flag.Int("messages", 20, "messages sent by each user")
	settle := flag.Duration("settle", 2*time.Second, "time to wait for in-flight deliveries")
	level := flag.String("log-level", "INFO", "log level")
	flag.Parse()

	log := logs.GetLoggerFromString(*level)
	log.Info("Starting load test", "users", *pairs*2, "messages", *messages)

	var st stats
	var wg sync.WaitGroup
	start := time.Now()

	// User a of each pair talks to user b and back.
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(*baseURL, pairID, *messages, *settle, &st); err != nil {
				st.failed.Add(1)
				log.Warn("Pair failed", "pair", pairID, "err", err)
			}
		}(i)
	}
	wg.Wait()

	log.Info("Load test complete",
		"elapsed", time.Since(start),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"failed_pairs", st.failed.Load())
}

func runPair(baseURL string, pairID, messages int, settle time.Duration, st *stats) error {
	userA := fmt.Sprintf("lt%da", pairID)
	userB := fmt.Sprintf("lt%db", pairID)

	tokenA, err := authenticate(baseURL, userA)
	if err != nil {
		return err
	}
	tokenB, err := authenticate(baseURL, userB)
	if err != nil {
		return err
	}
	if err := startConversation(baseURL, tokenA, userB); err != nil {
		return err
	}

	connA, err := dial(baseURL, tokenA)
	if err != nil {
		return fmt.Errorf("ws %s: %w", userA, err)
	}
	defer connA.Close()
	connB, err := dial(baseURL, tokenB)
	if err != nil {
		return fmt.Errorf("ws %s: %w", userB, err)
	}
	defer connB.Close()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); spam(connA, userA, userB, messages, st) }()
	go func() { defer wg.Done(); spam(connB, userB, userA, messages, st) }()
	go func() { defer wg.Done(); drain(connA, settle, st) }()
	go func() { defer wg.Done(); drain(connB, settle, st) }()
	wg.Wait()
	return nil
}

// authenticate registers, ignoring an existing account, then logs in.
func authenticate(baseURL, username string) (string, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON(baseURL+"/register", "", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(baseURL+"/login", "", creds)
	if err != nil {
		return "", fmt.Errorf("login %s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	if data.Token == "" {
		return "", errors.New("login returned no token")
	}
	return data.Token, nil
}

func startConversation(baseURL, token, peer string) error {
	resp, err := postJSON(baseURL+"/api/conversations", token, map[string]string{"username": peer})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("start conversation with %s: status %d", peer, resp.StatusCode)
	}
	return nil
}

func dial(baseURL, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + token}})
	return conn, err
}

func spam(conn *websocket.Conn, from, to string, messages int, st *stats) {
	for i := 0; i < messages; i++ {
		frame := map[string]any{
			"type":      "message",
			"recipient": to,
			"content":   fmt.Sprintf("LoadTest Msg %d from %s", i, from),
		}
		if err := conn.WriteJSON(frame); err != nil {
			slog.Warn("Send failed", "user", from, "err", err)
			return
		}
		st.sent.Add(1)
		// Simulate a real network instead of hammering localhost.
		time.Sleep(10 * time.Millisecond)
	}
}

// drain counts message frames until the connection has been quiet for settle.
func drain(conn *websocket.Conn, settle time.Duration, st *stats) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(settle))
		var frame struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type == "message" {
			st.received.Add(1)
		}
	}
}

func postJSON(url, token string, data any) (*http.Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
