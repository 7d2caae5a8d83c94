package cli

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/config"
	"github.com/tbourn/persona-chat-backend/internal/events"
	"github.com/tbourn/persona-chat-backend/internal/http/handlers"
	"github.com/tbourn/persona-chat-backend/internal/http/middleware"
	"github.com/tbourn/persona-chat-backend/internal/services"
)

// app is the wired service graph shared by the server and the commands.
type app struct {
	registry *services.ChatRegistry
	ledger   *services.CreditLedger
	pipeline *services.MessagePipeline
	profiles *services.ProfileService
	monitor  *services.IdleMonitor
	db       *gorm.DB
}

// newApp builds every service over db with limits taken from c.
func newApp(c config.Config, db *gorm.DB, pub events.Publisher) *app {
	reg := services.NewChatRegistry(db, pub)
	reg.MaxNotesRunes = c.Chat.MaxNotesRunes

	ledger := services.NewCreditLedger(db)

	pipe := services.NewMessagePipeline(db, ledger, reg, c.Chat.MessageCost)
	pipe.MaxRunes = c.Chat.MaxMessageRunes
	pipe.AuditMode = services.ParseAuditMode(c.Chat.AuditMode)
	pipe.IdempotencyTTL = c.IdempotencyTTL

	mon := services.NewIdleMonitor(reg, c.Chat.IdleThreshold)
	mon.BatchSize = c.Chat.SweepBatch

	return &app{
		registry: reg,
		ledger:   ledger,
		pipeline: pipe,
		profiles: services.NewProfileService(db),
		monitor:  mon,
		db:       db,
	}
}

// handlerServices exposes the graph to the HTTP layer.
func (a *app) handlerServices() handlers.Services {
	return handlers.Services{
		Chats:    a.registry,
		Messages: a.pipeline,
		Profiles: a.profiles,
		Activity: a.monitor,
		Credits:  a.ledger,
		DB:       a.db,
	}
}

// newAuthenticator selects the identity source named by AUTH_MODE.
func newAuthenticator(c config.AuthConfig) (middleware.Authenticator, error) {
	switch strings.ToLower(c.Mode) {
	case "", "header":
		log.Warn().Msg("AUTH_MODE=header trusts X-User-ID/X-User-Role; use only behind a trusted gateway")
		return middleware.HeaderAuthenticator{}, nil
	case "jwt":
		return jwtAuthenticator(c)
	}
	return nil, fmt.Errorf("unsupported AUTH_MODE %q", c.Mode)
}

func jwtAuthenticator(c config.AuthConfig) (middleware.JWTAuthenticator, error) {
	if c.JWTSecret == "" {
		return middleware.JWTAuthenticator{}, fmt.Errorf("JWT_SECRET is required for jwt auth")
	}
	return middleware.JWTAuthenticator{Secret: []byte(c.JWTSecret), Issuer: c.JWTIssuer}, nil
}

// newPublisher returns the Kafka publisher when enabled, otherwise Nop.
func newPublisher(c config.KafkaConfig) (events.Publisher, error) {
	if !c.Enabled {
		return events.Nop{}, nil
	}
	k, err := events.NewKafka(events.KafkaConfig{Brokers: c.Brokers, Topic: c.Topic, ClientID: c.ClientID})
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	log.Info().Strs("brokers", c.Brokers).Str("topic", c.Topic).Msg("chat events go to kafka")
	return k, nil
}
