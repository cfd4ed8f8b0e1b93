package kafka

import (
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/xogrid/server/internal/game"
	"github.com/xogrid/server/internal/settlement"
)

// DefaultTopic carries every match event
const DefaultTopic = "match-events"

// EventType represents the type of match event
type EventType string

const (
	EventMatchStart EventType = "match_start"
	EventMove       EventType = "move"
	EventMatchEnd   EventType = "match_end"
)

// MatchEvent represents a match event for analytics
type MatchEvent struct {
	Type      EventType `json:"type"`
	MatchID   string    `json:"matchId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// MatchStartData contains data for match start events
type MatchStartData struct {
	Player1  int64         `json:"player1"`
	Player2  int64         `json:"player2"`
	GameType game.GameType `json:"gameType"`
}

// MoveData contains data for move events
type MoveData struct {
	Player  int64           `json:"player"`
	Row     int             `json:"row"`
	Col     int             `json:"col"`
	Round   int             `json:"round"`
	MoveNum int             `json:"moveNum"`
	Kind    game.ResultKind `json:"kind"`
}

// MatchEndData contains data for match end events
type MatchEndData struct {
	GameType        game.GameType `json:"gameType"`
	Player1         int64         `json:"player1"`
	Player2         int64         `json:"player2"`
	Winner          int64         `json:"winner"`
	Loser           int64         `json:"loser"`
	Tie             bool          `json:"tie"`
	Forfeit         bool          `json:"forfeit"`
	RoundWins       [2]int        `json:"roundWins"`
	DurationSeconds int           `json:"durationSeconds"`
	TotalMoves      int           `json:"totalMoves"`
}

// Producer handles Kafka event production
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	enabled  bool
}

// NewProducer creates a new Kafka producer. An unreachable cluster yields a
// disabled producer instead of an error.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		log.Printf("[Kafka] Producer not available: %v (analytics disabled)", err)
		return &Producer{enabled: false}, nil
	}

	log.Printf("[Kafka] Producer connected to %v", brokers)
	return NewProducerFromClient(producer, topic), nil
}

// NewProducerFromClient wraps an existing sync producer
func NewProducerFromClient(producer sarama.SyncProducer, topic string) *Producer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Producer{producer: producer, topic: topic, enabled: producer != nil}
}

// MatchStarted emits a match start event
func (p *Producer) MatchStarted(m *game.Match) {
	if !p.enabled {
		return
	}

	p.send(MatchEvent{
		Type:      EventMatchStart,
		MatchID:   m.ID,
		Timestamp: m.CreatedAt,
		Data: MatchStartData{
			Player1:  m.P1,
			Player2:  m.P2,
			GameType: m.Type,
		},
	})
}

// MoveApplied emits a move event
func (p *Producer) MoveApplied(m *game.Match, res game.MoveResult) {
	if !p.enabled {
		return
	}

	p.send(MatchEvent{
		Type:      EventMove,
		MatchID:   m.ID,
		Timestamp: m.LastMoveTime,
		Data: MoveData{
			Player:  res.Player,
			Row:     res.Row,
			Col:     res.Col,
			Round:   res.Round,
			MoveNum: m.MoveCount,
			Kind:    res.Kind,
		},
	})
}

// MatchEnded emits a match end event
func (p *Producer) MatchEnded(m *game.Match, res *settlement.Result) {
	if !p.enabled {
		return
	}

	p.send(MatchEvent{
		Type:      EventMatchEnd,
		MatchID:   m.ID,
		Timestamp: m.EndedAt,
		Data: MatchEndData{
			GameType:        m.Type,
			Player1:         m.P1,
			Player2:         m.P2,
			Winner:          res.Winner,
			Loser:           res.Loser,
			Tie:             res.Tie,
			Forfeit:         res.Forfeit,
			RoundWins:       res.RoundWins,
			DurationSeconds: m.GetDuration(),
			TotalMoves:      m.MoveCount,
		},
	})
}

// send sends an event to Kafka
func (p *Producer) send(event MatchEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Kafka] Error marshaling event: %v", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.MatchID),
		Value: sarama.ByteEncoder(data),
	}

	_, _, err = p.producer.SendMessage(msg)
	if err != nil {
		log.Printf("[Kafka] Error sending %s event for match %s: %v", event.Type, event.MatchID, err)
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// IsEnabled returns whether Kafka is enabled
func (p *Producer) IsEnabled() bool {
	return p.enabled
}
