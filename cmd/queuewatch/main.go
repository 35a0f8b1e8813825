package main

import (
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tablequeue/internal/client"
)

var (
	rootCmd = &cobra.Command{
		Use:   "queuewatch",
		Short: "Follow and answer a guest's place in the tablequeue waiting line",
	}

	serverURL string
	userID    string
	redisAddr string
	cacheTTL  time.Duration

	logger zerolog.Logger
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger = zerolog.New(output).With().Timestamp().Logger()

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("TABLEQUEUE_URL", "http://localhost:8080"), "tablequeue API base URL")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("TABLEQUEUE_USER"), "guest user id")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "optional Redis address for caching tables and slots")
	rootCmd.PersistentFlags().DurationVar(&cacheTTL, "cache-ttl", time.Minute, "cache lifetime for tables and slots")

	rootCmd.AddCommand(watchCmd(), statusCmd(), joinCmd(), confirmCmd(), declineCmd(), cancelCmd(), slotsCmd())
	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("queuewatch failed")
		os.Exit(1)
	}
}

func newClient() *client.QueueClient {
	c := client.NewQueueClient(serverURL, userID)
	if redisAddr != "" {
		c.UseRedisCache(redis.NewClient(&redis.Options{Addr: redisAddr}), cacheTTL)
	}
	return c
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
