package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/xogrid/server/internal/game"
)

// AnalyticsMetrics holds aggregated analytics data
type AnalyticsMetrics struct {
	TotalMatches   int64                    `json:"totalMatches"`
	FinishedCount  int64                    `json:"finishedMatches"`
	TotalMoves     int64                    `json:"totalMoves"`
	MatchesByType  map[game.GameType]int64  `json:"matchesByType"`
	Forfeits       int64                    `json:"forfeits"`
	Ties           int64                    `json:"ties"`
	TotalDuration  int64                    `json:"totalDuration"`
	WinCounts      map[int64]int            `json:"winCounts"`
	MatchesPerHour map[string]int           `json:"matchesPerHour"`
	MatchesPerDay  map[string]int           `json:"matchesPerDay"`
	PlayerStats    map[int64]*PlayerMetrics `json:"playerStats"`
}

// PlayerMetrics holds per-player analytics
type PlayerMetrics struct {
	Wins         int   `json:"wins"`
	Losses       int   `json:"losses"`
	Draws        int   `json:"draws"`
	TotalMatches int   `json:"totalMatches"`
	TotalMoves   int64 `json:"totalMoves"`
}

// Analytics aggregates match events. Safe for concurrent use.
type Analytics struct {
	mu      sync.RWMutex
	metrics AnalyticsMetrics
}

// NewAnalytics creates an empty aggregator
func NewAnalytics() *Analytics {
	return &Analytics{metrics: AnalyticsMetrics{
		MatchesByType:  make(map[game.GameType]int64),
		WinCounts:      make(map[int64]int),
		MatchesPerHour: make(map[string]int),
		MatchesPerDay:  make(map[string]int),
		PlayerStats:    make(map[int64]*PlayerMetrics),
	}}
}

type rawEvent struct {
	Type      EventType       `json:"type"`
	MatchID   string          `json:"matchId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Apply folds one encoded event into the metrics
func (a *Analytics) Apply(value []byte) error {
	var event rawEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch event.Type {
	case EventMatchStart:
		var data MatchStartData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		a.handleMatchStart(event.Timestamp, data)
	case EventMove:
		var data MoveData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		a.handleMove(data)
	case EventMatchEnd:
		var data MatchEndData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		a.handleMatchEnd(data)
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
	return nil
}

func (a *Analytics) player(id int64) *PlayerMetrics {
	pm := a.metrics.PlayerStats[id]
	if pm == nil {
		pm = &PlayerMetrics{}
		a.metrics.PlayerStats[id] = pm
	}
	return pm
}

func (a *Analytics) handleMatchStart(ts time.Time, data MatchStartData) {
	a.metrics.TotalMatches++
	a.metrics.MatchesByType[data.GameType]++

	a.metrics.MatchesPerHour[ts.UTC().Format("2006-01-02-15")]++
	a.metrics.MatchesPerDay[ts.UTC().Format("2006-01-02")]++

	a.player(data.Player1).TotalMatches++
	a.player(data.Player2).TotalMatches++
}

func (a *Analytics) handleMove(data MoveData) {
	if data.Kind == game.KindTimeoutForfeit {
		return
	}
	a.metrics.TotalMoves++
	a.player(data.Player).TotalMoves++
}

func (a *Analytics) handleMatchEnd(data MatchEndData) {
	a.metrics.FinishedCount++
	a.metrics.TotalDuration += int64(data.DurationSeconds)
	if data.Forfeit {
		a.metrics.Forfeits++
	}
	if data.Tie {
		a.metrics.Ties++
		a.player(data.Player1).Draws++
		a.player(data.Player2).Draws++
		return
	}
	a.metrics.WinCounts[data.Winner]++
	a.player(data.Winner).Wins++
	a.player(data.Loser).Losses++
}

// Metrics returns a copy of the current metrics
func (a *Analytics) Metrics() *AnalyticsMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	m := a.metrics
	m.MatchesByType = make(map[game.GameType]int64, len(a.metrics.MatchesByType))
	for k, v := range a.metrics.MatchesByType {
		m.MatchesByType[k] = v
	}
	m.WinCounts = make(map[int64]int, len(a.metrics.WinCounts))
	for k, v := range a.metrics.WinCounts {
		m.WinCounts[k] = v
	}
	m.MatchesPerHour = make(map[string]int, len(a.metrics.MatchesPerHour))
	for k, v := range a.metrics.MatchesPerHour {
		m.MatchesPerHour[k] = v
	}
	m.MatchesPerDay = make(map[string]int, len(a.metrics.MatchesPerDay))
	for k, v := range a.metrics.MatchesPerDay {
		m.MatchesPerDay[k] = v
	}
	m.PlayerStats = make(map[int64]*PlayerMetrics, len(a.metrics.PlayerStats))
	for k, v := range a.metrics.PlayerStats {
		pm := *v
		m.PlayerStats[k] = &pm
	}
	return &m
}

// AverageMatchDuration returns the average finished match duration in seconds
func (a *Analytics) AverageMatchDuration() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.metrics.FinishedCount == 0 {
		return 0
	}
	return float64(a.metrics.TotalDuration) / float64(a.metrics.FinishedCount)
}

// MostFrequentWinner returns the player with most wins, 0 if nobody won yet
func (a *Analytics) MostFrequentWinner() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	maxWins := 0
	var winner int64
	for player, wins := range a.metrics.WinCounts {
		if wins > maxWins || (wins == maxWins && player < winner) {
			maxWins = wins
			winner = player
		}
	}
	return winner
}

// MatchesPerHour returns matches started in the 24 hours up to now, by hour
func (a *Analytics) MatchesPerHour(now time.Time) map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make(map[string]int, 24)
	for i := 0; i < 24; i++ {
		key := now.UTC().Add(-time.Duration(i) * time.Hour).Format("2006-01-02-15")
		result[key] = a.metrics.MatchesPerHour[key]
	}
	return result
}

// Consumer feeds the match event topic into an Analytics aggregator
type Consumer struct {
	consumer  sarama.ConsumerGroup
	topic     string
	analytics *Analytics
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, group, topic string, analytics *Analytics) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	consumer, err := sarama.NewConsumerGroup(brokers, group, config)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		topic = DefaultTopic
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer:  consumer,
		topic:     topic,
		analytics: analytics,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins consuming events
func (c *Consumer) Start() {
	go func() {
		for {
			if err := c.consumer.Consume(c.ctx, []string{c.topic}, c); err != nil {
				log.Printf("[Kafka] Consumer error: %v", err)
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()
	log.Printf("[Kafka] Consumer started on %s", c.topic)
}

// Setup is called at the beginning of a new session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is called at the end of a session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := c.analytics.Apply(msg.Value); err != nil {
			log.Printf("[Kafka] Skipping message at offset %d: %v", msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// Stop stops the consumer
func (c *Consumer) Stop() {
	c.cancel()
	if err := c.consumer.Close(); err != nil {
		log.Printf("[Kafka] Error closing consumer: %v", err)
	}
}
