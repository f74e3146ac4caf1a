package slug

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/hitoshi/googlelogin/internal/model"
)

// Service はスラッグサービスの2段階プロトコルのインターフェース。
type Service interface {
	CreateSlug(ctx context.Context, group, to string) (string, error)
	TakeSlug(ctx context.Context, group, path, to, redirect string) error
}

// Allocator は新規ユーザーのスラッグを確保するインターフェース。
// 実装は設定時に選択され、呼び出し時に判定されることはない。
type Allocator interface {
	Allocate(ctx context.Context, userID string, profile model.Profile) (string, error)
}

// CreateFunc はデプロイ固有のスラッグ生成フック。
type CreateFunc func(ctx context.Context, userID string, profile model.Profile) (string, error)

// ServiceAllocator はスラッグサービスに予約と確定を委ねるAllocator。
type ServiceAllocator struct {
	slugs Service
}

// NewServiceAllocator はServiceAllocatorを生成する。
func NewServiceAllocator(slugs Service) *ServiceAllocator {
	return &ServiceAllocator{slugs: slugs}
}

// Allocate はCreateSlugでスラッグを予約し、TakeSlugでユーザーIDのパスを確定する。
func (a *ServiceAllocator) Allocate(ctx context.Context, userID string, profile model.Profile) (string, error) {
	s, err := a.slugs.CreateSlug(ctx, GroupUser, userID)
	if err != nil {
		return "", err
	}
	if err := a.slugs.TakeSlug(ctx, GroupUser, userID, userID, s); err != nil {
		return "", err
	}
	return s, nil
}

// CustomAllocator は独自生成フックでスラッグを作り、確定はスラッグサービスで行うAllocator。
type CustomAllocator struct {
	create CreateFunc
	slugs  Service
}

// NewCustomAllocator はCustomAllocatorを生成する。
func NewCustomAllocator(create CreateFunc, slugs Service) *CustomAllocator {
	return &CustomAllocator{create: create, slugs: slugs}
}

// Allocate はフックでスラッグを生成し、ユーザーIDのパスをそのスラッグへ確定する。
func (a *CustomAllocator) Allocate(ctx context.Context, userID string, profile model.Profile) (string, error) {
	s, err := a.create(ctx, userID, profile)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: slug hook returned empty slug", model.ErrSlugAllocation)
	}
	if err := a.slugs.TakeSlug(ctx, GroupUser, userID, userID, s); err != nil {
		return "", err
	}
	return s, nil
}

// suffixLength は名前由来スラッグに付けるユーザーID接尾辞の長さ。
const suffixLength = 8

// maxBaseLength は名前由来スラッグの本体部分の最大長。
const maxBaseLength = 40

// NameSlugFunc はプロフィール名からスラッグを作り、スラッグサービスで確保するCreateFunc。
// 例: "Taro Yamada" と "3f2a9c1e-..." から "taro-yamada-3f2a9c1e" を作る。
func NameSlugFunc(slugs Service) CreateFunc {
	return func(ctx context.Context, userID string, profile model.Profile) (string, error) {
		s := FromName(profile.Name, userID)
		if err := slugs.TakeSlug(ctx, GroupUser, s, userID, ""); err != nil {
			return "", err
		}
		return s, nil
	}
}

// FromName は名前とユーザーIDから小文字英数字とハイフンだけのスラッグを作る。
// 名前に使える文字がない場合は "user" を本体にする。
func FromName(name, userID string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
		if b.Len() >= maxBaseLength {
			break
		}
	}
	base := strings.Trim(b.String(), "-")
	if len(base) > maxBaseLength {
		base = strings.Trim(base[:maxBaseLength], "-")
	}
	if base == "" {
		base = "user"
	}

	suffix := strings.ReplaceAll(userID, "-", "")
	if len(suffix) > suffixLength {
		suffix = suffix[:suffixLength]
	}
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

// compile-time interface check
var (
	_ Allocator = (*ServiceAllocator)(nil)
	_ Allocator = (*CustomAllocator)(nil)
	_ Service   = (*Client)(nil)
)
