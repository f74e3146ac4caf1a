package slug

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/googlelogin/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockService はServiceのモック実装。
type mockService struct {
	createSlugFn func(ctx context.Context, group, to string) (string, error)
	takeSlugFn   func(ctx context.Context, group, path, to, redirect string) error
}

func (m *mockService) CreateSlug(ctx context.Context, group, to string) (string, error) {
	return m.createSlugFn(ctx, group, to)
}

func (m *mockService) TakeSlug(ctx context.Context, group, path, to, redirect string) error {
	return m.takeSlugFn(ctx, group, path, to, redirect)
}

func TestServiceAllocator_ReservesThenClaims(t *testing.T) {
	var calls []string
	svc := &mockService{
		createSlugFn: func(ctx context.Context, group, to string) (string, error) {
			calls = append(calls, "create:"+group+":"+to)
			return "taro", nil
		},
		takeSlugFn: func(ctx context.Context, group, path, to, redirect string) error {
			calls = append(calls, "take:"+group+":"+path+":"+to+":"+redirect)
			return nil
		},
	}

	got, err := NewServiceAllocator(svc).Allocate(context.Background(), "user-1", model.Profile{})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if got != "taro" {
		t.Errorf("slug = %q, want taro", got)
	}
	want := []string{"create:user:user-1", "take:user:user-1:user-1:taro"}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

// 予約に失敗した場合は確定を呼ばずエラーをそのまま返すことを検証
func TestServiceAllocator_CreateFailure(t *testing.T) {
	errCreate := errors.New("reserve failed")
	svc := &mockService{
		createSlugFn: func(ctx context.Context, group, to string) (string, error) { return "", errCreate },
		takeSlugFn: func(ctx context.Context, group, path, to, redirect string) error {
			t.Error("TakeSlug should not be called")
			return nil
		},
	}

	_, err := NewServiceAllocator(svc).Allocate(context.Background(), "user-1", model.Profile{})
	if !errors.Is(err, errCreate) {
		t.Errorf("err = %v, want %v", err, errCreate)
	}
}

// 独自フックを使う場合もTakeSlugでユーザーIDのパスを確定することを検証
func TestCustomAllocator_HookThenClaim(t *testing.T) {
	var take string
	svc := &mockService{
		createSlugFn: func(ctx context.Context, group, to string) (string, error) {
			t.Error("CreateSlug should not be called with a custom hook")
			return "", nil
		},
		takeSlugFn: func(ctx context.Context, group, path, to, redirect string) error {
			take = path + "->" + redirect
			return nil
		},
	}
	hook := func(ctx context.Context, userID string, profile model.Profile) (string, error) {
		return "custom-" + profile.Name, nil
	}

	got, err := NewCustomAllocator(hook, svc).Allocate(context.Background(), "user-1", model.Profile{Name: "taro"})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if got != "custom-taro" {
		t.Errorf("slug = %q, want custom-taro", got)
	}
	if take != "user-1->custom-taro" {
		t.Errorf("take = %q, want user-1->custom-taro", take)
	}
}

func TestCustomAllocator_EmptySlug(t *testing.T) {
	svc := &mockService{}
	hook := func(ctx context.Context, userID string, profile model.Profile) (string, error) { return "", nil }

	_, err := NewCustomAllocator(hook, svc).Allocate(context.Background(), "user-1", model.Profile{})
	if !errors.Is(err, model.ErrSlugAllocation) {
		t.Errorf("err = %v, want ErrSlugAllocation", err)
	}
}

func TestNameSlugFunc_ClaimsNamePath(t *testing.T) {
	var claimed string
	svc := &mockService{
		takeSlugFn: func(ctx context.Context, group, path, to, redirect string) error {
			if redirect != "" {
				t.Errorf("redirect = %q, want empty", redirect)
			}
			claimed = path + "->" + to
			return nil
		},
	}

	got, err := NameSlugFunc(svc)(context.Background(), "3f2a9c1e-0000-4000-8000-000000000000", model.Profile{Name: "Taro Yamada"})
	if err != nil {
		t.Fatalf("NameSlugFunc returned error: %v", err)
	}
	if got != "taro-yamada-3f2a9c1e" {
		t.Errorf("slug = %q, want taro-yamada-3f2a9c1e", got)
	}
	if claimed != "taro-yamada-3f2a9c1e->3f2a9c1e-0000-4000-8000-000000000000" {
		t.Errorf("claimed = %q", claimed)
	}
}

func TestFromName(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		userID string
		want   string
	}{
		{"英字", "Taro Yamada", "abcdef12-3456", "taro-yamada-abcdef12"},
		{"記号の連続", "  Taro!!  __Yamada  ", "abcdef12", "taro-yamada-abcdef12"},
		{"日本語のみ", "山田 太郎", "abcdef12", "user-abcdef12"},
		{"空", "", "abcdef12", "user-abcdef12"},
		{"数字", "R2D2", "ab", "r2d2-ab"},
		{"ID無し", "Taro", "", "taro"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromName(tt.input, tt.userID); got != tt.want {
				t.Errorf("FromName(%q, %q) = %q, want %q", tt.input, tt.userID, got, tt.want)
			}
		})
	}
}

func TestFromName_LimitsLength(t *testing.T) {
	got := FromName("abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij", "12345678")
	if len(got) > maxBaseLength+1+suffixLength {
		t.Errorf("slug too long: %q (%d)", got, len(got))
	}
}

func TestClient_CreateAndTakeSlug(t *testing.T) {
	var takeReq takeSlugRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		switch r.URL.Path {
		case "/CreateSlug":
			var req createSlugRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Group != "user" || req.To != "user-1" {
				t.Errorf("CreateSlug request = %+v", req)
			}
			json.NewEncoder(w).Encode(createSlugResponse{Slug: "taro"})
		case "/TakeSlug":
			json.NewDecoder(r.Body).Decode(&takeReq)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL+"/")

	got, err := NewServiceAllocator(c).Allocate(context.Background(), "user-1", model.Profile{})
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if got != "taro" {
		t.Errorf("slug = %q, want taro", got)
	}
	want := takeSlugRequest{Group: "user", Path: "user-1", To: "user-1", Redirect: "taro"}
	if takeReq != want {
		t.Errorf("TakeSlug request = %+v, want %+v", takeReq, want)
	}
}

// エラーステータスはErrSlugAllocationでラップされることを検証
func TestClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slug taken", http.StatusConflict)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL)

	err := c.TakeSlug(context.Background(), "user", "taro", "user-1", "")
	if !errors.Is(err, model.ErrSlugAllocation) {
		t.Fatalf("err = %v, want ErrSlugAllocation", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("slug service returned error status")) {
		t.Errorf("expected error log, got %s", buf.String())
	}
}

func TestClient_EmptySlug(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"slug":""}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), server.URL)

	if _, err := c.CreateSlug(context.Background(), "user", "user-1"); !errors.Is(err, model.ErrSlugAllocation) {
		t.Errorf("err = %v, want ErrSlugAllocation", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, newTestLogger(&buf), url)

	if _, err := c.CreateSlug(context.Background(), "user", "user-1"); !errors.Is(err, model.ErrSlugAllocation) {
		t.Errorf("err = %v, want ErrSlugAllocation", err)
	}
}
