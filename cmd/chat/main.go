package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type session struct {
	server  string
	chatID  string
	history []turn
	client  *http.Client
}

func main() {
	server := flag.String("server", "http://localhost:3210", "finresearch server URL")
	timeout := flag.Duration("timeout", 5*time.Minute, "per-request timeout")
	flag.Parse()

	s := &session{
		server: strings.TrimRight(*server, "/"),
		chatID: uuid.NewString(),
		client: &http.Client{Timeout: *timeout},
	}

	fmt.Println("finresearch CLI")
	fmt.Printf("Server: %s | Chat: %s\n", s.server, s.chatID)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /new, /job <id>, /events <id>")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		switch cmd, arg, _ := strings.Cut(input, " "); cmd {
		case "/new":
			s.chatID = uuid.NewString()
			s.history = nil
			fmt.Printf("New chat: %s\n", s.chatID)
		case "/job":
			s.show("/api/jobs/" + strings.TrimSpace(arg))
		case "/events":
			s.show("/api/jobs/" + strings.TrimSpace(arg) + "/events")
		default:
			s.send(input)
		}
	}
}

func (s *session) send(content string) {
	jobID := uuid.NewString()
	body, _ := json.Marshal(map[string]any{
		"job_id":  jobID,
		"chat_id": s.chatID,
		"message": content,
		"history": s.history,
	})

	resp, err := s.client.Post(s.server+"/api/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var res struct {
		FullText       string `json:"full_text"`
		Phase          string `json:"phase"`
		RetryCount     int    `json:"retry_count"`
		Category       string `json:"category"`
		SkepticVerdict *struct {
			Verdict    string `json:"verdict"`
			Confidence int    `json:"confidence"`
		} `json:"skeptic_verdict"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}

	fmt.Println(res.FullText)
	meta := fmt.Sprintf("job %s | %s | phase %s | retries %d", jobID, res.Category, res.Phase, res.RetryCount)
	if v := res.SkepticVerdict; v != nil {
		meta += fmt.Sprintf(" | review %s (%d%%)", v.Verdict, v.Confidence)
	}
	fmt.Printf("\033[36m[%s]\033[0m\n", meta)

	s.history = append(s.history,
		turn{Role: "user", Content: content},
		turn{Role: "assistant", Content: res.FullText},
	)
}

func (s *session) show(path string) {
	resp, err := s.client.Get(s.server + path)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	var out bytes.Buffer
	if json.Indent(&out, data, "", "  ") != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
