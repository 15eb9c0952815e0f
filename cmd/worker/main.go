package main

import (
	"log"
	"net/http"

	"github.com/unclebandit/wa-gateway/internal/config"
	"github.com/unclebandit/wa-gateway/internal/db"
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
	if cfg.AMQP.URL == "" {
		log.Fatal("AMQP_URL is required for the worker")
	}

	conn, err := db.Open(cfg.DSN())
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	dispatcher := service.NewDispatcher(
		&repository.ConversationRepository{DB: conn},
		&repository.ConnectionRepository{DB: conn},
		&repository.OutboundMessageRepository{DB: conn},
		template.Default(),
		service.ProviderFactory(provider.Options{
			HTTPClient:      &http.Client{Timeout: cfg.Provider.Timeout},
			TwilioBaseURL:   cfg.Provider.TwilioBaseURL,
			CloudAPIBaseURL: cfg.Provider.CloudAPIBaseURL,
			CloudAPIVersion: cfg.Provider.CloudAPIVersion,
		}),
	)

	q, err := queue.DialAMQP(cfg.AMQP.URL)
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	worker := service.NewWorker(dispatcher, q)
	worker.Topic = cfg.AMQP.Queue
	if err := worker.Start(); err != nil {
		log.Fatal("Failed to register consumer:", err)
	}

	log.Println("Worker running, waiting for messages on", cfg.AMQP.Queue)
	if err := <-q.NotifyClose(); err != nil {
		log.Fatal("RabbitMQ connection closed:", err)
	}
}
