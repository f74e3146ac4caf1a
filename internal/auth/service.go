// Package auth はGoogleアカウントによる登録・ログインと、ユーザー削除時のLoginレコード整理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/googlelogin/internal/metrics"
	"github.com/hitoshi/googlelogin/internal/model"
	"github.com/hitoshi/googlelogin/internal/picture"
	"github.com/hitoshi/googlelogin/internal/repository"
	"github.com/hitoshi/googlelogin/internal/security"
	"github.com/hitoshi/googlelogin/internal/slug"
)

// defaultPictureTimeout はプロフィール画像インポートの既定タイムアウト。
const defaultPictureTimeout = 30 * time.Second

// fallbackDisplay は名前もメールアドレスも無いユーザーの表示名。
const fallbackDisplay = "user"

// registerOrLoginの結果ラベル
const (
	outcomeLogin    = "login"
	outcomeRegister = "register"
	outcomeError    = "error"
)

// IdentityVerifier はIdPが発行したアサーションを検証するインターフェース。
type IdentityVerifier interface {
	// Verify はトークンを検証し、検証済みクレームを返す。
	Verify(ctx context.Context, token string) (*model.IdentityClaims, error)
}

// TriggerDispatcher はライフサイクルトリガーを発火するインターフェース。
type TriggerDispatcher interface {
	Trigger(ctx context.Context, t model.Trigger) error
}

// RegisterOrLoginRequest はregisterOrLoginの入力。
type RegisterOrLoginRequest struct {
	AccessToken string
	SessionID   string
	UserData    *model.Profile
}

// ServiceDeps はServiceの依存をまとめる。
// Pictures、Metrics、Logger、NewID、Nowは省略可能。
type ServiceDeps struct {
	Verifier       IdentityVerifier
	Logins         repository.LoginRepository
	Registrar      repository.RegistrationRepository
	Users          repository.UserRepository
	Events         repository.EventRepository
	Hooks          TriggerDispatcher
	Slugs          slug.Allocator
	Pictures       picture.Importer
	Sanitizer      security.ProfileSanitizer
	Metrics        metrics.MetricsCollector
	Logger         *slog.Logger
	PictureTimeout time.Duration
	NewID          func() string
	Now            func() time.Time
}

// Service は外部IdPのアサーションを内部ユーザーに結び付ける。
type Service struct {
	verifier       IdentityVerifier
	logins         repository.LoginRepository
	registrar      repository.RegistrationRepository
	users          repository.UserRepository
	events         repository.EventRepository
	hooks          TriggerDispatcher
	slugs          slug.Allocator
	pictures       picture.Importer
	sanitizer      security.ProfileSanitizer
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	pictureTimeout time.Duration
	newID          func() string
	now            func() time.Time

	// 実行中の画像インポート
	wg sync.WaitGroup
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		verifier:       deps.Verifier,
		logins:         deps.Logins,
		registrar:      deps.Registrar,
		users:          deps.Users,
		events:         deps.Events,
		hooks:          deps.Hooks,
		slugs:          deps.Slugs,
		pictures:       deps.Pictures,
		sanitizer:      deps.Sanitizer,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		pictureTimeout: deps.PictureTimeout,
		newID:          deps.NewID,
		now:            deps.Now,
	}
	if s.sanitizer == nil {
		s.sanitizer = security.NewProfileSanitizer()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.pictureTimeout <= 0 {
		s.pictureTimeout = defaultPictureTimeout
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RegisterOrLogin はアサーションを検証し、既存ユーザーならログイン、未登録なら新規登録して
// 内部ユーザーIDを返す。
func (s *Service) RegisterOrLogin(ctx context.Context, req RegisterOrLoginRequest) (string, error) {
	start := s.now()
	userID, outcome, err := s.registerOrLogin(ctx, req)
	s.metrics.RecordLatency(outcome, s.now().Sub(start))
	return userID, err
}

func (s *Service) registerOrLogin(ctx context.Context, req RegisterOrLoginRequest) (string, string, error) {
	if req.AccessToken == "" {
		s.metrics.RecordFailure("invalid_assertion")
		return "", outcomeError, model.NewInvalidAssertionError(errors.New("access token is required"))
	}

	claims, err := s.verifier.Verify(ctx, req.AccessToken)
	if err != nil {
		if errors.Is(err, ErrInvalidIDToken) {
			s.metrics.RecordFailure("invalid_assertion")
			s.logger.Info("identity assertion rejected", slog.String("error", err.Error()))
			return "", outcomeError, model.NewInvalidAssertionError(err)
		}
		s.metrics.RecordFailure("verifier_unavailable")
		return "", outcomeError, fmt.Errorf("failed to verify identity assertion: %w", err)
	}

	login, err := s.logins.FindByID(ctx, claims.Subject)
	if err != nil {
		s.metrics.RecordFailure("store")
		return "", outcomeError, fmt.Errorf("failed to find login record: %w", err)
	}

	if login != nil {
		userID, err := s.loginExisting(ctx, login, req.SessionID)
		if err != nil {
			return "", outcomeError, err
		}
		return userID, outcomeLogin, nil
	}

	userID, err := s.register(ctx, claims, req)
	if err != nil {
		return "", outcomeError, err
	}
	return userID, outcomeRegister, nil
}

// loginExisting はLoginレコードが指すユーザーでログインする。
// Loginテーブルには書き込まない。
func (s *Service) loginExisting(ctx context.Context, login *model.Login, sessionID string) (string, error) {
	user, err := s.users.FindByID(ctx, login.UserID)
	if err != nil {
		s.metrics.RecordFailure("store")
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.metrics.RecordFailure("integrity")
		s.logger.Error("orphaned login record",
			slog.String("login_id", login.ID),
			slog.String("user_id", login.UserID),
		)
		return "", model.NewIntegrityError(login.ID, login.UserID)
	}

	if err := s.events.Append(ctx, model.NewLoggedInEvent(user.ID, sessionID, user.Roles)); err != nil {
		return "", fmt.Errorf("failed to append loggedIn event: %w", err)
	}
	if err := s.hooks.Trigger(ctx, model.Trigger{
		Type:    model.TriggerOnLogin,
		User:    user.ID,
		Session: sessionID,
	}); err != nil {
		return "", fmt.Errorf("OnLogin hook failed: %w", err)
	}

	s.metrics.RecordLogin()
	s.logger.Info("existing user logged in", slog.String("user_id", user.ID))
	return user.ID, nil
}

// register は新規ユーザーを作成する。
// Login、User、登録イベントは1トランザクションで書き込まれ、同じsubjectの同時登録に
// 負けた場合は勝った側のレコードでログインする。
func (s *Service) register(ctx context.Context, claims *model.IdentityClaims, req RegisterOrLoginRequest) (string, error) {
	userID := s.newID()

	var defaults *model.Profile
	if req.UserData != nil {
		sanitized := s.sanitizer.SanitizeProfile(*req.UserData)
		defaults = &sanitized
	}
	profile := model.MergeProfile(defaults, claims)

	if err := s.hooks.Trigger(ctx, model.Trigger{
		Type:    model.TriggerOnRegisterStart,
		User:    userID,
		Session: req.SessionID,
	}); err != nil {
		return "", fmt.Errorf("OnRegisterStart hook failed: %w", err)
	}

	slugValue, err := s.slugs.Allocate(ctx, userID, profile)
	if err != nil {
		s.metrics.RecordFailure("slug_allocation")
		s.abortRegistration(ctx, userID, req.SessionID, err)
		return "", model.NewSlugAllocationError(err)
	}

	now := s.now()
	user := &model.User{
		ID:        userID,
		Roles:     []string{},
		Profile:   profile,
		Slug:      slugValue,
		Display:   s.display(profile),
		CreatedAt: now,
		UpdatedAt: now,
	}
	login := &model.Login{
		ID:        claims.Subject,
		Name:      profile.Name,
		Email:     profile.Email,
		UserID:    userID,
		CreatedAt: now,
	}

	err = s.registrar.Register(ctx, &model.Registration{
		Login: login,
		User:  user,
		Events: []model.Event{
			model.NewLoginCreatedEvent(login, profile),
			model.NewUserCreatedEvent(user),
			model.NewLoginMethodAddedEvent(userID, claims.Subject, claims.Raw),
		},
	})
	if errors.Is(err, model.ErrLoginExists) {
		s.abortRegistration(ctx, userID, req.SessionID, err)
		s.logger.Info("concurrent registration detected, logging in to existing user",
			slog.String("login_id", claims.Subject),
		)
		existing, findErr := s.logins.FindByID(ctx, claims.Subject)
		if findErr != nil {
			return "", fmt.Errorf("failed to find login record after conflict: %w", findErr)
		}
		if existing == nil {
			return "", fmt.Errorf("login record %s disappeared after conflict", claims.Subject)
		}
		return s.loginExisting(ctx, existing, req.SessionID)
	}
	if err != nil {
		s.metrics.RecordFailure("store")
		s.abortRegistration(ctx, userID, req.SessionID, err)
		return "", fmt.Errorf("failed to register user: %w", err)
	}

	s.logger.Info("new user registered",
		slog.String("user_id", userID),
		slog.String("slug", slugValue),
	)

	if err := s.hooks.Trigger(ctx, model.Trigger{
		Type:     model.TriggerOnRegister,
		User:     userID,
		Session:  req.SessionID,
		UserData: &profile,
	}); err != nil {
		return "", fmt.Errorf("OnRegister hook failed: %w", err)
	}

	if err := s.events.Append(ctx, model.NewLoggedInEvent(userID, req.SessionID, nil)); err != nil {
		return "", fmt.Errorf("failed to append loggedIn event: %w", err)
	}
	if err := s.hooks.Trigger(ctx, model.Trigger{
		Type:    model.TriggerOnLogin,
		User:    userID,
		Session: req.SessionID,
	}); err != nil {
		return "", fmt.Errorf("OnLogin hook failed: %w", err)
	}

	// 取り込みはログインが成立してから開始する
	if claims.Picture != "" {
		s.importPicture(ctx, userID, claims.Picture)
	}

	s.metrics.RecordRegistration()
	return userID, nil
}

// abortRegistration はOnRegisterStart後に登録を中断したことを通知する。
// フックのエラーはログに残すだけで、呼び出し元のエラーを置き換えない。
func (s *Service) abortRegistration(ctx context.Context, userID, sessionID string, cause error) {
	if err := s.hooks.Trigger(context.WithoutCancel(ctx), model.Trigger{
		Type:    model.TriggerOnRegisterAbort,
		User:    userID,
		Session: sessionID,
		Err:     cause,
	}); err != nil {
		s.logger.Warn("OnRegisterAbort hook failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// importPicture はプロフィール画像のインポートを呼び出し元から切り離して実行する。
// 失敗はWARNログに残して破棄し、再試行しない。
func (s *Service) importPicture(ctx context.Context, userID, rawURL string) {
	if s.pictures == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.RecordPictureImport(metrics.PictureFailed)
				s.logger.Error("panic in picture import",
					slog.String("user_id", userID),
					slog.Any("panic", r),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pictureTimeout)
		defer cancel()

		pictureID, err := s.pictures.ImportFromURL(ctx, userID, rawURL)
		if err != nil {
			s.pictureFailed(userID, "import", err)
			return
		}
		if err := s.users.UpdatePicture(ctx, userID, pictureID); err != nil {
			s.pictureFailed(userID, "update user", err)
			return
		}
		if err := s.events.Append(ctx, model.NewUserUpdatedPictureEvent(userID, pictureID)); err != nil {
			s.pictureFailed(userID, "append event", err)
			return
		}

		s.metrics.RecordPictureImport(metrics.PictureImported)
		s.logger.Info("profile picture imported",
			slog.String("user_id", userID),
			slog.String("picture", pictureID),
		)
	}()
}

func (s *Service) pictureFailed(userID, step string, err error) {
	s.metrics.RecordPictureImport(metrics.PictureFailed)
	s.logger.Warn("profile picture import failed",
		slog.String("user_id", userID),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}

// Wait は実行中の画像インポートがすべて終わるまで待つ。
func (s *Service) Wait() {
	s.wg.Wait()
}

// display はプロフィールから表示名を決める。名前、メールアドレスの順に使う。
func (s *Service) display(p model.Profile) string {
	for _, candidate := range []string{p.Name, p.Email} {
		if d := s.sanitizer.SanitizeText(candidate); d != "" {
			return d
		}
	}
	return fallbackDisplay
}
