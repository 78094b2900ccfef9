// smoke-tally runs one bookkeeping flow against a live botd instance and
// verifies the conversion math end to end. The target botd must authorize
// the smoke user, e.g. started with TALLY_ALLOW_ALL=1.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"tallybot.org/internal/engine"
)

type replyResponse struct {
	Handled bool         `json:"handled"`
	Reply   engine.Reply `json:"reply"`
}

type smokeClient struct {
	base   string
	token  string
	client *http.Client
}

func main() {
	base := os.Getenv("TALLY_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	c := &smokeClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	if os.Getenv("TALLY_AUTH_SECRET") != "" {
		var tok struct {
			Token string `json:"token"`
		}
		c.postJSON("/v1/auth/token", map[string]any{"subject": "smoke"}, &tok)
		if tok.Token == "" {
			log.Fatal("token endpoint returned an empty token")
		}
		c.token = tok.Token
	}

	chatID := -int64(rand.New(rand.NewSource(time.Now().UnixNano())).Int31())

	var started replyResponse
	c.postJSON(fmt.Sprintf("/v1/chats/%d/start", chatID), map[string]any{
		"user_id":  1,
		"username": "smoke",
	}, &started)
	if !strings.Contains(started.Reply.Text, "已开始记账") {
		log.Fatalf("unexpected start reply: %q", started.Reply.Text)
	}

	c.send(chatID, "设置汇率 7.2")
	c.send(chatID, "设置费率 2")

	deposit := c.send(chatID, "+100")
	if !strings.Contains(deposit.Reply.Text, "总入款: 100.00 | 13.61USDT") {
		log.Fatalf("deposit math failed:\n%s", deposit.Reply.Text)
	}

	payout := c.send(chatID, "下发50U")
	if !strings.Contains(payout.Reply.Text, "已下发: 367.35 | 50.00USDT") {
		log.Fatalf("payout math failed:\n%s", payout.Reply.Text)
	}

	saved := c.send(chatID, "保存账单")
	if !strings.Contains(saved.Reply.Text, "账单已保存") {
		log.Fatalf("save failed: %q", saved.Reply.Text)
	}

	var menu replyResponse
	c.postJSON("/v1/callbacks", map[string]any{"chat_id": chatID, "action": "hist"}, &menu)
	if !strings.Contains(menu.Reply.Text, "请选择年份") {
		log.Fatalf("history menu missing: %q", menu.Reply.Text)
	}

	// Clean up the smoke chat.
	c.request(http.MethodDelete, fmt.Sprintf("/v1/chats/%d", chatID), nil, nil)

	fmt.Printf("✅ tallybot smoke test passed: chat=%d\n", chatID)
}

func (c *smokeClient) send(chatID int64, text string) replyResponse {
	var out replyResponse
	c.postJSON("/v1/events", map[string]any{
		"chat_id":  chatID,
		"user_id":  1,
		"username": "smoke",
		"text":     text,
	}, &out)
	return out
}

func (c *smokeClient) postJSON(path string, body, out any) {
	c.request(http.MethodPost, path, body, out)
}

func (c *smokeClient) request(method, path string, body, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", path, err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}
