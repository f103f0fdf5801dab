package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dmsync/pkg/cache"
	"dmsync/pkg/config"
	"dmsync/pkg/engine"
	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/push"
	"dmsync/pkg/remote/httpremote"
)

// dmsync is an interactive terminal client for the sync engine: open a
// room with a peer, type to send, watch the projection update as the
// remote confirms.
func main() {
	_ = godotenv.Load(".env")
	remoteURL := flag.String("remote", "http://localhost:8080", "sync backend base URL")
	userID := flag.String("user", "", "local user id")
	userName := flag.String("name", "", "local display name")
	peerID := flag.String("peer", "", "peer user id to open a room with")
	peerName := flag.String("peer-name", "", "peer display name")
	cachePath := flag.String("cache", "./.dmsync-cache", "local cache path")
	cfgPath := flag.String("config", "", "optional config file")
	flag.Parse()

	if *userID == "" || *peerID == "" {
		log.Fatal("both --user and --peer are required")
	}
	name := *userName
	if name == "" {
		name = *userID
	}

	cfg := &config.Config{}
	if *cfgPath != "" {
		loaded, _, err := config.LoadEffective(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	logger.InitWithLevel(cfg.Logging.Level)

	cs, err := cache.Open(*cachePath, cfg.CacheDebounce())
	if err != nil {
		log.Fatalf("failed to open cache at %s: %v", *cachePath, err)
	}
	defer cs.Close()

	if cfg.Cache.Retention.Enabled {
		stop, rerr := cs.StartRetention(context.Background(), cache.RetentionConfig{
			Enabled: true,
			Cron:    cfg.Cache.Retention.Cron,
			MaxAge:  time.Duration(cfg.Cache.Retention.MaxDays) * 24 * time.Hour,
		})
		if rerr != nil {
			log.Fatalf("cache retention: %v", rerr)
		}
		defer stop()
	}

	store := httpremote.New(*remoteURL)
	var notify push.Notifier = push.Nop{}
	if cfg.Push.Enabled && cfg.Push.URL != "" {
		notify = push.NewHTTPNotifier(cfg.Push.URL)
	}

	eng := engine.New(engine.Identity{UserID: *userID, Username: name}, store, cs, notify, engine.Config{
		WriteTimeout:    cfg.WriteTimeout(),
		ReceiptDebounce: cfg.ReceiptDebounce(),
	})
	defer eng.Close()

	ctx := context.Background()
	eng.Start()

	roomID, msgs, err := eng.OpenRoom(ctx, *peerID, *peerName)
	if err != nil {
		log.Fatalf("failed to open room: %v", err)
	}
	fmt.Printf("room %s opened, %d messages\n", roomID, len(msgs))
	printMessages(*userID, msgs)

	eng.SetObserver(func(changed string) {
		if changed != roomID {
			return
		}
		fmt.Print("\033[2J\033[H")
		if eng.Degraded(roomID) {
			fmt.Println("! live updates unavailable, retrying in background")
		}
		printMessages(*userID, eng.Snapshot(roomID))
		fmt.Print("> ")
	})

	fmt.Println("type to send, /retry <id>, /edit <id> <text>, /del <id>, /quit")
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/retry "):
			if err := eng.RetryMessage(roomID, strings.TrimSpace(strings.TrimPrefix(line, "/retry "))); err != nil {
				fmt.Println("retry:", err)
			}
		case strings.HasPrefix(line, "/edit "):
			rest := strings.TrimSpace(strings.TrimPrefix(line, "/edit "))
			id, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: /edit <id> <text>")
				break
			}
			if err := eng.EditMessage(ctx, roomID, id, text); err != nil {
				fmt.Println("edit:", err)
			}
		case strings.HasPrefix(line, "/del "):
			if err := eng.DeleteMessage(ctx, roomID, strings.TrimSpace(strings.TrimPrefix(line, "/del "))); err != nil {
				fmt.Println("delete:", err)
			}
		default:
			if _, err := eng.SendMessage(ctx, roomID, line, nil); err != nil {
				fmt.Println("send:", err)
			}
		}
		fmt.Print("> ")
	}
}

func printMessages(selfID string, msgs []models.Message) {
	for _, m := range msgs {
		ts := time.Unix(0, m.CreatedAt).Format("15:04:05")
		mark := " "
		if m.SenderID == selfID {
			switch {
			case m.Read:
				mark = "R"
			case m.Delivered:
				mark = "D"
			default:
				mark = string(m.State)
			}
		}
		edited := ""
		if m.EditedAt > 0 {
			edited = " (edited)"
		}
		fmt.Printf("[%s] %-12s %s%s [%s] (%s)\n", ts, m.SenderName+":", m.Content, edited, mark, m.ID)
	}
}
