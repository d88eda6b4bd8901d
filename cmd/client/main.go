package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"teamchat/internal/api"
	"teamchat/internal/auth"
	"teamchat/internal/chat"
	"teamchat/internal/config"
	"teamchat/internal/models"
	"teamchat/internal/websocket"
	"teamchat/pkg/logger"
)

const historyLimit = 20

type app struct {
	client  *api.Client
	session *auth.Session
	manager *chat.Manager
	view    *view

	mu     sync.Mutex
	teamID string
}

func (a *app) team() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.teamID
}

func (a *app) switchTeam(teamID string) {
	a.mu.Lock()
	a.teamID = teamID
	a.mu.Unlock()
	a.view.reset()
	a.manager.Sync(teamID, a.session.Identity())
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)
	log := logger.GlobalLogger

	if cfg.Chat.TeamID == "" {
		logger.Fatal("TEAM_ID is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := auth.NewSession()
	client := api.NewClient(cfg.API, session, log)

	signedIn := false
	switch {
	case cfg.Auth.Email != "":
		resp, err := client.Login(ctx, cfg.Auth.Email, cfg.Auth.Password)
		if err != nil {
			logger.Fatal("Login failed: %v", err)
		}
		session.SetUser(resp.User)
		signedIn = true
	case cfg.Auth.AccessToken != "":
		session.SetTokens(models.TokenPair{AccessToken: cfg.Auth.AccessToken, RefreshToken: cfg.Auth.RefreshToken})
	default:
		logger.Fatal("Set CHAT_EMAIL and CHAT_PASSWORD, or ACCESS_TOKEN")
	}

	refresher := &auth.Refresher{
		Client:   client,
		Session:  session,
		Interval: cfg.Auth.RefreshInterval,
		Logger:   log,
	}
	if err := refresher.Check(ctx); err != nil {
		logger.Fatal("Failed to load profile: %v", err)
	}

	manager := chat.NewManager(websocket.NewDialer(cfg.Socket, log), chat.Options{
		Logger:         log,
		PendingTimeout: cfg.Chat.PendingTimeout,
		ConnectTimeout: cfg.Chat.ConnectTimeout,
		NoticeBuffer:   cfg.Chat.NoticeBuffer,
	})

	a := &app{
		client:  client,
		session: session,
		manager: manager,
		view:    newView(os.Stdout),
		teamID:  cfg.Chat.TeamID,
	}

	// Token refreshes and sign-outs rebind the chat session.
	session.Subscribe(func(id chat.Identity) {
		manager.Sync(a.team(), id)
	})
	manager.Open(a.team(), session.Identity())

	go func() {
		if err := refresher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Session refresher stopped: %v", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.render(ctx)
	}()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	a.view.help()
	a.loop(ctx, lines)

	stop()
	manager.Close()
	wg.Wait()

	if signedIn {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Logout(logoutCtx); err != nil {
			logger.Debug("Logout failed: %v", err)
		}
	}
}

func (a *app) loop(ctx context.Context, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !a.command(ctx, line) {
				return
			}
		}
	}
}

// command handles one input line and reports whether to keep running.
func (a *app) command(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return true

	case line == "/quit":
		return false

	case line == "/help":
		a.view.help()

	case strings.HasPrefix(line, "/team"):
		teamID := strings.TrimSpace(strings.TrimPrefix(line, "/team"))
		if teamID == "" {
			a.view.notice("usage: /team <id>")
			return true
		}
		a.switchTeam(teamID)

	case strings.HasPrefix(line, "/history"):
		limit := historyLimit
		if arg := strings.TrimSpace(strings.TrimPrefix(line, "/history")); arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				a.view.notice("usage: /history [n]")
				return true
			}
			limit = n
		}
		// Printed only. The live log is built from this session's events.
		teamID := a.team()
		msgs, err := a.client.Messages(ctx, teamID, limit)
		if err != nil {
			a.view.notice("history failed: " + err.Error())
			return true
		}
		a.view.history(teamID, msgs)

	case strings.HasPrefix(line, "/edit"):
		id, content, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "/edit")), " ")
		content = strings.TrimSpace(content)
		if !ok || id == "" || content == "" {
			a.view.notice("usage: /edit <id> <text>")
			return true
		}
		if _, err := a.client.EditMessage(ctx, id, content); err != nil {
			a.view.notice("edit failed: " + err.Error())
		}

	default:
		if _, ok := a.manager.SendMessage(line); !ok {
			a.view.notice("not connected, message not sent")
		}
	}
	return true
}

func (a *app) render(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.manager.Updates():
			a.view.draw(a.manager.Snapshot())
		case err := <-a.manager.Notices():
			a.view.notice(err.Error())
		}
	}
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
