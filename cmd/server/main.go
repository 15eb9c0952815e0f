// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/wa-gateway/internal/cache"
	"github.com/unclebandit/wa-gateway/internal/config"
	"github.com/unclebandit/wa-gateway/internal/controller"
	"github.com/unclebandit/wa-gateway/internal/db"
	"github.com/unclebandit/wa-gateway/internal/handler"
	"github.com/unclebandit/wa-gateway/internal/provider"
	"github.com/unclebandit/wa-gateway/internal/queue"
	"github.com/unclebandit/wa-gateway/internal/repository"
	"github.com/unclebandit/wa-gateway/internal/service"
	"github.com/unclebandit/wa-gateway/internal/template"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	conn, err := db.Open(cfg.DSN())
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	conversationRepo := &repository.ConversationRepository{DB: conn}
	connectionRepo := &repository.ConnectionRepository{DB: conn}
	outboundRepo := &repository.OutboundMessageRepository{DB: conn}

	providers := service.ProviderFactory(provider.Options{
		HTTPClient:      &http.Client{Timeout: cfg.Provider.Timeout},
		TwilioBaseURL:   cfg.Provider.TwilioBaseURL,
		CloudAPIBaseURL: cfg.Provider.CloudAPIBaseURL,
		CloudAPIVersion: cfg.Provider.CloudAPIVersion,
	})
	dispatcher := service.NewDispatcher(conversationRepo, connectionRepo, outboundRepo, template.Default(), providers)

	// Status receipts always go through the in-process queue.
	q := queue.NewInMemoryQueue()
	if err := queue.StartStatusSubscriber(q, dispatcher); err != nil {
		log.Fatal(err)
	}

	// Async sends use RabbitMQ when configured, otherwise an in-process worker.
	var sendQueue queue.Queue = q
	if cfg.AMQP.URL != "" {
		amqpQueue, err := queue.DialAMQP(cfg.AMQP.URL)
		if err != nil {
			log.Fatal(err)
		}
		defer amqpQueue.Close()
		sendQueue = amqpQueue
		log.Println("📨 Async sends published to RabbitMQ queue", cfg.AMQP.Queue)
	} else {
		worker := service.NewWorker(dispatcher, q)
		worker.Topic = cfg.AMQP.Queue
		if err := worker.Start(); err != nil {
			log.Fatal(err)
		}
		log.Println("⚠️ AMQP_URL not set, async sends handled in-process")
	}

	var dedupe handler.Deduper
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewClient(context.Background(), cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			log.Fatal(err)
		}
		defer rdb.Close()
		deduper := cache.NewDeduper(rdb, cfg.Redis.DedupTTL)
		dedupe = deduper
		q.DeadLetter = queue.ForgetDroppedStatus(deduper)
	} else {
		log.Println("⚠️ REDIS_ADDR not set, duplicate status callbacks are not filtered")
	}

	messageController := &controller.MessageController{
		Messenger: dispatcher,
		Templates: dispatcher.Templates,
		Queue:     sendQueue,
		Topic:     cfg.AMQP.Queue,
	}
	webhookHandler := handler.NewWebhookHandler(connectionRepo, providers, dispatcher, q, dedupe)

	r := chi.NewRouter()
	messageController.Routes(r)
	webhookHandler.Routes(r)

	log.Println("🚀 Server running on", cfg.HTTP.Addr)
	log.Fatal(http.ListenAndServe(cfg.HTTP.Addr, r))
}
