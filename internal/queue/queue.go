package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// Queue names, highest priority first
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queue wraps Asynq client and server mux
type Queue struct {
	Client *asynq.Client
	Mux    *asynq.ServeMux

	redisOpt    asynq.RedisConnOpt
	concurrency int
}

// NewQueue creates a new queue client and server mux
func NewQueue(redisURL string, concurrency int) (*Queue, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 10
	}

	log.Info().Int("concurrency", concurrency).Msg("Queue client initialized")

	return &Queue{
		Client:      asynq.NewClient(redisOpt),
		Mux:         asynq.NewServeMux(),
		redisOpt:    redisOpt,
		concurrency: concurrency,
	}, nil
}

// ServerConfig returns the connection and server configuration for a worker
func (q *Queue) ServerConfig() (asynq.RedisConnOpt, asynq.Config) {
	return q.redisOpt, asynq.Config{
		Concurrency: q.concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
			QueueLow:      1,
		},
		Logger: asynqLogger{},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			log.Error().Err(err).Str("task_type", task.Type()).Int("retried", retried).Msg("Task failed")
		}),
	}
}

// NewServer builds an asynq server for the queue's mux
func (q *Queue) NewServer() *asynq.Server {
	redisOpt, cfg := q.ServerConfig()
	return asynq.NewServer(redisOpt, cfg)
}

// Close gracefully closes the queue client
func (q *Queue) Close() error {
	if q.Client != nil {
		log.Info().Msg("Closing queue client...")
		return q.Client.Close()
	}
	return nil
}

// asynqLogger routes asynq's internal logging through zerolog
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { log.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { log.Info().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { log.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { log.Error().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { log.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
