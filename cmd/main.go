package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coaching-chat/internal/config"
	"coaching-chat/internal/delivery"
	"coaching-chat/internal/infrastructure/kafka"
	"coaching-chat/internal/infrastructure/redis"
	"coaching-chat/internal/logger"
	"coaching-chat/internal/repository"
	"coaching-chat/internal/service"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type store struct {
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	users         repository.UserFinder
	sessions      repository.SessionFinder
	close         func() error
}

func openStore(cfg *config.Config) (*store, error) {
	if cfg.DBDriver == "memory" {
		directory := repository.NewMemoryDirectory()
		if err := directory.Seed(cfg.DevUsers, cfg.DevSessions); err != nil {
			zap.S().Warnf("Some development directory entries were skipped: %v", err)
		}
		return &store{
			messages:      repository.NewMemoryMessageRepository(),
			conversations: repository.NewMemoryConversationRepository(),
			users:         directory,
			sessions:      directory,
			close:         func() error { return nil },
		}, nil
	}

	db, err := repository.OpenDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	directory := repository.NewGormDirectory(db)
	return &store{
		messages:      repository.NewGormMessageRepository(db),
		conversations: repository.NewGormConversationRepository(db),
		users:         directory,
		sessions:      directory,
		close:         sqlDB.Close,
	}, nil
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("Application recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	_ = godotenv.Load()
	cfg := config.LoadConfig()

	log, err := logger.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	zap.S().Infof("Starting coaching chat server")
	zap.S().Infof("Environment: %s", cfg.Environment)
	zap.S().Infof("Port: %s", cfg.Port)
	zap.S().Infof("Database driver: %s", cfg.DBDriver)
	zap.S().Infof("Redis: %s:%s", cfg.RedisHost, cfg.RedisPort)
	zap.S().Infof("Kafka enabled: %t brokers: %v", cfg.KafkaEnabled, cfg.KafkaBrokers)
	zap.S().Infof("CORS Origins: %s", cfg.GetCORSOrigins())

	st, err := openStore(cfg)
	if err != nil {
		zap.S().Fatalf("Failed to open %s store: %v", cfg.DBDriver, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if err := redisClient.Ping(ctx); err != nil {
		zap.S().Warnf("Redis connection failed: %v", err)
	} else {
		zap.S().Infof("Redis connection successful")
	}

	var publisher service.EventPublisher
	var kafkaProducer *kafka.KafkaProducer
	if cfg.KafkaEnabled {
		kafkaProducer = kafka.NewKafkaProducer(cfg.KafkaBrokers...)
		publisher = kafkaProducer
	}

	convSvc := service.NewConversationService(st.conversations, publisher)
	msgSvc := service.NewMessageService(st.messages, st.users, st.sessions, convSvc, publisher)
	convSvc.UseReadState(msgSvc)

	wsManager := delivery.NewWSManager(msgSvc, convSvc, redisClient, publisher, cfg.TypingTTL)
	server := delivery.NewServer(cfg, redisClient, wsManager, msgSvc, convSvc, delivery.NewTokenVerifier(cfg.JWTSecret))

	var kafkaConsumer *kafka.KafkaConsumer
	if cfg.KafkaEnabled {
		kafkaConsumer = kafka.NewKafkaConsumer(cfg.KafkaBrokers, "coaching-chat-group", []string{kafka.TopicChatInbound}, wsManager)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					zap.S().Errorf("Kafka consumer goroutine recovered from panic: %v", r)
				}
			}()
			if err := kafkaConsumer.Start(ctx); err != nil {
				zap.S().Errorf("Kafka consumer error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigChan
		zap.S().Infof("Shutting down...")
		cancel()

		err := server.Shutdown()
		if kafkaConsumer != nil {
			err = multierr.Append(err, kafkaConsumer.Close())
		}
		if kafkaProducer != nil {
			err = multierr.Append(err, kafkaProducer.Close())
		}
		err = multierr.Append(err, redisClient.Close())
		err = multierr.Append(err, st.close())
		for _, e := range multierr.Errors(err) {
			zap.S().Errorf("Error during shutdown: %v", e)
		}
	}()

	if err := server.Start(); err != nil {
		zap.S().Fatalf("Server stopped: %v", err)
	}
	<-shutdownDone
}
