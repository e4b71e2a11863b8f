package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/attendance"
)

// Message types published by scanner stations.
const (
	TypeScan     = "scan"
	TypeDecision = "decision"
	TypeEnd      = "end"
)

// Message is one capture input for a session worker.
type Message struct {
	Type string
	Body []byte
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// CaptureKey is the redis list a session's stations publish to.
func CaptureKey(sessionID string) string {
	return "rollcall:capture:" + sessionID
}

type scanBody struct {
	QRData string `json:"qrData"`
}

type decisionBody struct {
	StudentID string `json:"studentId"`
	Status    string `json:"status"`
}

// ScanMessage wraps a decoded QR payload.
func ScanMessage(raw string) Message {
	b, _ := json.Marshal(scanBody{QRData: raw})
	return Message{Type: TypeScan, Body: b}
}

// DecisionMessage wraps a manual decision.
func DecisionMessage(studentID string, status attendance.Status) Message {
	b, _ := json.Marshal(decisionBody{StudentID: studentID, Status: string(status)})
	return Message{Type: TypeDecision, Body: b}
}

// EndMessage asks the worker to end the session.
func EndMessage() Message {
	return Message{Type: TypeEnd}
}

// ErrEnd is returned by Event for end messages.
var ErrEnd = errors.New("end of session")

// Event decodes a scan or decision message into a reconciler event.
func (m Message) Event() (attendance.Event, error) {
	switch m.Type {
	case TypeScan:
		var b scanBody
		if err := json.Unmarshal(m.Body, &b); err != nil || b.QRData == "" {
			// Stations may push the bare payload.
			return attendance.Scan(string(m.Body)), nil
		}
		return attendance.Scan(b.QRData), nil
	case TypeDecision:
		var b decisionBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return attendance.Event{}, fmt.Errorf("decode decision: %w", err)
		}
		return attendance.Decision(b.StudentID, attendance.Status(b.Status)), nil
	case TypeEnd:
		return attendance.Event{}, ErrEnd
	}
	return attendance.Event{}, fmt.Errorf("unknown message type %q", m.Type)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics, so messages are
// consumed in publish order.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "rollcall:capture"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.client.LPush(ctx, q.key, serialize(msg)).Err()
}

// Consume streams messages using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					log.Printf("queue %s: %v", q.key, err)
					time.Sleep(time.Second)
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			select {
			case out <- deserialize(res[1]):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// serialize stores messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) Message {
	typ, body, ok := strings.Cut(s, "|")
	if !ok {
		return Message{Body: []byte(s)}
	}
	return Message{Type: typ, Body: []byte(body)}
}
