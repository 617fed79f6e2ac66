package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"edulms/chatcore/internal/config"
	"edulms/chatcore/internal/models"
	"edulms/chatcore/internal/notify"
	"edulms/chatcore/internal/rest"
	"edulms/chatcore/internal/session"
	"edulms/chatcore/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: no .env file loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	token := cfg.Token
	var selfRole string
	if token == "" {
		if cfg.Email == "" {
			log.Fatal("set CHAT_TOKEN or CHAT_EMAIL")
		}
		token, selfRole, err = devLogin(cfg.APIBase, cfg.Email)
		if err != nil {
			log.Fatal("dev login failed", zap.Error(err))
		}
	}

	api := rest.New(cfg.APIBase, token, log)
	sess, err := session.New(api, cfg.SocketURL, notify.Logged{Log: log}, log)
	if err != nil {
		log.Fatal("failed to build session", zap.Error(err))
	}
	defer sess.Close()

	ctx := context.Background()
	if err := sess.Start(ctx, selfRole); err != nil {
		log.Fatal("failed to start session", zap.Error(err))
	}

	fmt.Printf("logged in as %s; /users /open <id> /block /clear /quit\n", sess.SelfID())
	repl(ctx, sess)
}

func repl(ctx context.Context, sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "/quit":
			return

		case line == "/users":
			for _, u := range sess.Roster() {
				status := "offline"
				if u.IsOnline {
					status = "online"
				}
				marker := ""
				if u.UnreadCount > 0 {
					marker = fmt.Sprintf(" [%d unread]", u.UnreadCount)
				}
				fmt.Printf("  %s  %s (%s, %s)%s\n", u.ID, u.Name, u.Role, status, marker)
			}

		case strings.HasPrefix(line, "/open "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			if err := sess.Open(ctx, id); err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, m := range sess.Messages() {
				printMessage(sess.SelfID(), m)
			}

		case line == "/block":
			fmt.Print("block/unblock this user? [y/N] ")
			if !confirm(scanner) {
				continue
			}
			res, err := sess.ToggleBlock(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(res.Message)

		case line == "/clear":
			fmt.Print("clear this conversation for both sides? [y/N] ")
			if !confirm(scanner) {
				continue
			}
			if err := sess.ClearChat(ctx); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("conversation cleared")

		default:
			if !sess.CanCompose() {
				fmt.Println("composing is disabled: this conversation is blocked")
				continue
			}
			sess.InputActivity()
			msg, err := sess.Send(ctx, line, nil, "")
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			printMessage(sess.SelfID(), msg)
		}
	}
}

func confirm(scanner *bufio.Scanner) bool {
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func printMessage(selfID string, m models.Message) {
	who := string(m.Sender)
	if who == selfID {
		who = "me"
	}
	body := m.Message
	if m.Image != "" {
		body = strings.TrimSpace(body + " [image: " + m.Image + "]")
	}
	fmt.Printf("  %s  %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, body)
}

// devLogin obtains a token from the stub backend's login endpoint.
func devLogin(apiBase, email string) (token, role string, err error) {
	payload, _ := json.Marshal(map[string]string{"email": email})
	resp, err := http.Post(apiBase+"/auth/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var out struct {
		Token string          `json:"token"`
		User  models.ChatUser `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return out.Token, out.User.Role, nil
}
