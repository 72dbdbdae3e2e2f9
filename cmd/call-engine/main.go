package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"teleclinic-engine/internal/admin"
	"teleclinic-engine/internal/api"
	"teleclinic-engine/internal/auth"
	"teleclinic-engine/internal/callq"
	"teleclinic-engine/internal/channel"
	"teleclinic-engine/internal/meeting"
	"teleclinic-engine/internal/models"
	"teleclinic-engine/internal/notify"
	"teleclinic-engine/internal/reconciler"
	"teleclinic-engine/internal/session"
	"teleclinic-engine/internal/settings"
	"teleclinic-engine/internal/telephony"
)

func main() {
	var (
		adminAddr  = flag.String("admin", ":8080", "ops API listen address")
		channelURL = flag.String("channel", "ws://localhost:6001/realtime", "pub/sub channel endpoint")
		apiBase    = flag.String("api", "http://localhost:8000", "clinic backend base URL")
		meetingURL = flag.String("meet", "https://meet.teleclinic.local", "video meeting server URL")
		redisAddr  = flag.String("redis", "", "redis address for persisted settings (empty: in-memory)")
	)
	flag.Parse()

	if secret := os.Getenv("ENGINE_JWT_SECRET"); secret != "" {
		auth.SecretKey = []byte(secret)
	}

	// Initialize components
	var store settings.Store
	if *redisAddr != "" {
		store = settings.NewRedisStore(*redisAddr)
	} else {
		store = settings.NewMemoryStore()
	}
	creds := settings.NewCredentials(store)

	notifier := notify.LogSink{}
	pending := callq.New(notifier)
	phone := telephony.NewLoopback()
	launcher := meeting.NewURLLauncher(*meetingURL)
	backend := api.NewClient(*apiBase, creds)

	controller := session.NewController(pending, phone, launcher, backend, creds, notifier)
	phone.OnEnded(controller.HandleEnd)
	rec := reconciler.New(backend, controller, creds, notifier)
	rec.OnChange(func(items []models.QueueItem) {
		log.Printf("[Main] Waiting queue now has %d patients", len(items))
	})

	ch := channel.New(channel.Config{URL: *channelURL}, creds, rec)
	ch.OnState(func(state models.ChannelState) {
		log.Printf("[Main] Channel state: %s", state)
	})

	ops := admin.NewAPI(controller, rec, ch, pending, creds, launcher)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down channel and ops API...")
		ch.Close()
		cancel()
	}()

	// Ops API in background
	go func() {
		log.Printf("Ops API starting on %s", *adminAddr)
		if err := ops.Start(*adminAddr); err != nil {
			log.Printf("Ops API failed: %v", err)
		}
	}()

	ch.Connect(ctx)
	rec.Run(ctx)
}
