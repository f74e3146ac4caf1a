package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/hitoshi/googlelogin/internal/model"
)

func testEvents() []model.StoredEvent {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []model.StoredEvent{
		{Seq: 1, Stream: model.StreamGoogleLogin, Type: model.EventLoginCreated, Key: "sub-1", Payload: json.RawMessage(`{"login":"sub-1"}`), CreatedAt: at},
		{Seq: 2, Stream: model.StreamUsers, Type: model.EventUserCreated, Key: "user-1", Payload: json.RawMessage(`{"user":"user-1"}`), CreatedAt: at},
	}
}

func TestLogPublisher_WritesEachEvent(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	if err := p.Publish(context.Background(), testEvents()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[1], &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["stream"] != "users" || entry["type"] != "UserCreated" || entry["seq"] != float64(2) {
		t.Errorf("log entry = %v", entry)
	}
}

func TestRedisPublisher_StreamName(t *testing.T) {
	if got := NewRedisPublisher(nil, "googlelogin", 0).StreamName("users"); got != "googlelogin:users" {
		t.Errorf("StreamName = %q, want googlelogin:users", got)
	}
	if got := NewRedisPublisher(nil, "", 0).StreamName("users"); got != "users" {
		t.Errorf("StreamName = %q, want users", got)
	}
}

func TestRedisPublisher_EmptyBatch(t *testing.T) {
	// 空のバッチではRedisに接続しない
	if err := NewRedisPublisher(nil, "p", 0).Publish(context.Background(), nil); err != nil {
		t.Errorf("Publish(nil) returned error: %v", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	if _, err := Connect(context.Background(), "://bad", time.Second); err == nil {
		t.Error("expected error for invalid url")
	}
}

// setupRedis はテスト用のRedisクライアントを返す。接続できない場合はテストをスキップする。
func setupRedis(t *testing.T) *rdb.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	client, err := Connect(context.Background(), url, 2*time.Second)
	if err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return client
}

func TestRedisPublisher_PublishesInOrder(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	p := NewRedisPublisher(client, "test", 0)

	events := append(testEvents(), model.StoredEvent{
		Seq: 3, Stream: model.StreamUsers, Type: model.EventLoginMethodAdded, Key: "user-1",
		Payload: json.RawMessage(`{"user":"user-1"}`), CreatedAt: time.Now(),
	})
	if err := p.Publish(ctx, events); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	msgs, err := client.XRange(ctx, "test:users", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange returned error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Values["type"] != "UserCreated" || msgs[1].Values["type"] != "loginMethodAdded" {
		t.Errorf("types = %v, %v", msgs[0].Values["type"], msgs[1].Values["type"])
	}
	if msgs[0].Values["seq"] != "2" || msgs[0].Values["payload"] != `{"user":"user-1"}` {
		t.Errorf("values = %v", msgs[0].Values)
	}

	n, err := client.XLen(ctx, "test:googleLogin").Result()
	if err != nil || n != 1 {
		t.Errorf("googleLogin length = %d (%v), want 1", n, err)
	}
}

func TestRedisLock_Exclusive(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a, err := NewRedisLock(client, "test:relay-lock", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewRedisLock(client, "test:relay-lock", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if ok, err := a.TryLock(ctx); err != nil || !ok {
		t.Fatalf("a.TryLock = %v, %v; want true", ok, err)
	}
	if ok, err := b.TryLock(ctx); err != nil || ok {
		t.Fatalf("b.TryLock = %v, %v; want false", ok, err)
	}

	// 他人のロックは解放できない
	if err := b.Unlock(ctx); err != nil {
		t.Fatalf("b.Unlock returned error: %v", err)
	}
	if ok, _ := b.TryLock(ctx); ok {
		t.Fatal("b should not acquire the lock held by a")
	}

	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("a.Unlock returned error: %v", err)
	}
	if ok, err := b.TryLock(ctx); err != nil || !ok {
		t.Errorf("b.TryLock after release = %v, %v; want true", ok, err)
	}
}
