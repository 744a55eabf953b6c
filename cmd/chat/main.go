package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-projectchat/internal/chat"
	"github.com/npezzotti/go-projectchat/internal/logger"
	"github.com/npezzotti/go-projectchat/internal/types"
)

var (
	baseURL   string
	token     string
	projectId string
	userName  string
	logLevel  string
)

func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

// printer writes each message once, in arrival order of the view's list.
type printer struct {
	mu      sync.Mutex
	printed map[string]struct{}
	label   string
}

func (p *printer) messages(msgs []types.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range msgs {
		if _, ok := p.printed[m.Id]; ok {
			continue
		}
		p.printed[m.Id] = struct{}{}

		ts := m.SentAt.Local().Format("15:04")
		switch m.MessageType {
		case types.MessageTypeStatusUpdate, types.MessageTypePriorityUpdate:
			fmt.Printf("[%s] * %s: %s\n", ts, m.Sender, m.Message)
		default:
			fmt.Printf("[%s] <%s> %s\n", ts, m.Sender, m.Message)
		}
	}
}

func (p *printer) typing(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if label == p.label {
		return
	}
	p.label = label
	if label != "" {
		fmt.Println("  " + label)
	}
}

func main() {
	_ = godotenv.Load()

	flag.StringVar(&baseURL, "url", os.Getenv("PROJECTCHAT_URL"), "gateway base URL, e.g. http://localhost:8000")
	flag.StringVar(&token, "token", os.Getenv("PROJECTCHAT_TOKEN"), "bearer token")
	flag.StringVar(&projectId, "project", "", "project to chat in")
	flag.StringVar(&userName, "user", os.Getenv("USER"), "display name")
	flag.StringVar(&logLevel, "log-level", "warn", "log level")
	flag.Parse()

	if baseURL == "" || projectId == "" || userName == "" {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.New(logger.Config{Level: logLevel, Pretty: true})

	manager := chat.NewConnectionManager(log, chat.ConnectionOptions{
		URL:   wsURL(baseURL),
		Token: token,
	})
	conn := manager.Connect()
	defer manager.Disconnect()

	dispatcher := chat.NewDispatcher(log, conn, nil)
	defer dispatcher.Close()

	rooms := chat.NewRoomTracker(log, conn)
	defer rooms.Close()

	out := &printer{printed: make(map[string]struct{})}
	view := chat.NewChatView(log, chat.ViewOptions{
		ProjectId:  projectId,
		UserName:   userName,
		Dispatcher: dispatcher,
		Rooms:      rooms,
		History:    &chat.HistoryClient{BaseURL: baseURL, Token: token},
		OnChange:   out.messages,
		OnTyping:   out.typing,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	view.Open(ctx)
	defer view.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			fmt.Fprintln(os.Stderr, "connection to gateway lost")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(view, line) {
				return
			}
		}
	}
}

// handleLine reports false when the user asked to quit.
func handleLine(view *chat.ChatView, line string) bool {
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		switch fields[0] {
		case "/quit":
			return false
		case "/status", "/priority":
			if len(fields) != 3 {
				fmt.Fprintf(os.Stderr, "usage: %s <old> <new>\n", fields[0])
				return true
			}
			if fields[0] == "/status" {
				view.UpdateStatus(fields[1], fields[2])
			} else {
				view.UpdatePriority(fields[1], fields[2])
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %s\n", fields[0])
		}
		return true
	}

	if !view.Ready() {
		fmt.Fprintln(os.Stderr, "not connected, message not sent")
		return true
	}

	view.Input(line)
	view.Send(line)
	return true
}
