package model

import (
	"encoding/json"
	"time"
)

// イベントストリーム名
const (
	StreamGoogleLogin = "googleLogin"
	StreamUsers       = "users"
	StreamSession     = "session"
)

// イベント種別
const (
	EventLoginCreated     = "LoginCreated"
	EventUserCreated      = "UserCreated"
	EventLoginMethodAdded = "loginMethodAdded"
	EventLoggedIn         = "loggedIn"
	EventUserUpdated      = "UserUpdated"
	EventUserDeleted      = "UserDeleted"
)

// LoginMethodGoogle はloginMethodAddedイベントに記録するログイン方式。
const LoginMethodGoogle = "google"

// Event は追記前のドメインイベントを表す。
// Keyはストリーム内でイベントが属するエンティティのID（login, user）を表す。
type Event struct {
	Stream string
	Type   string
	Key    string
	Data   any
}

// StoredEvent は永続化済みのイベントを表す。
// Seqはコミット順に単調増加する。
type StoredEvent struct {
	Seq       int64
	Stream    string
	Type      string
	Key       string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// LoginCreatedData はLoginCreatedイベントのペイロード。
type LoginCreatedData struct {
	Login string         `json:"login"`
	Data  map[string]any `json:"data"`
}

// UserCreatedData はUserCreatedイベントのペイロード。
type UserCreatedData struct {
	User string              `json:"user"`
	Data UserCreatedUserData `json:"data"`
}

// UserCreatedUserData はUserCreatedイベントのdata部。
type UserCreatedUserData struct {
	UserData Profile `json:"userData"`
	Slug     string  `json:"slug"`
	Display  string  `json:"display"`
}

// LoginMethodAddedData はloginMethodAddedイベントのペイロード。
type LoginMethodAddedData struct {
	User   string      `json:"user"`
	Method LoginMethod `json:"method"`
}

// LoginMethod はユーザーに追加されたログイン方式を表す。
type LoginMethod struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Raw  map[string]any `json:"raw,omitempty"`
}

// LoggedInData はloggedInセッションイベントのペイロード。
// Expireは常にnull（無期限）で出力する。
type LoggedInData struct {
	User    string     `json:"user"`
	Session string     `json:"session"`
	Expire  *time.Time `json:"expire"`
	Roles   []string   `json:"roles"`
}

// UserUpdatedData はUserUpdatedイベントのペイロード。
type UserUpdatedData struct {
	User string          `json:"user"`
	Data UserUpdatedBody `json:"data"`
}

// UserUpdatedBody はUserUpdatedイベントのdata部。
type UserUpdatedBody struct {
	UserData PictureUpdate `json:"userData"`
}

// PictureUpdate はプロフィール画像の更新内容。
type PictureUpdate struct {
	Picture string `json:"picture"`
}

// UserDeletedData はUserDeletedイベントのペイロード。
type UserDeletedData struct {
	User string `json:"user"`
}

// NewLoginCreatedEvent はLoginCreatedイベントを生成する。
// dataにはid, userとプロフィールの各フィールドを平坦に並べる。
func NewLoginCreatedEvent(login *Login, profile Profile) Event {
	data := map[string]any{
		"id":   login.ID,
		"user": login.UserID,
	}
	if profile.Name != "" {
		data["name"] = profile.Name
	}
	if profile.Email != "" {
		data["email"] = profile.Email
	}
	if profile.FirstName != "" {
		data["firstName"] = profile.FirstName
	}
	if profile.LastName != "" {
		data["lastName"] = profile.LastName
	}
	for k, v := range profile.Extra {
		if _, exists := data[k]; !exists {
			data[k] = v
		}
	}
	return Event{
		Stream: StreamGoogleLogin,
		Type:   EventLoginCreated,
		Key:    login.ID,
		Data:   LoginCreatedData{Login: login.ID, Data: data},
	}
}

// NewUserCreatedEvent はUserCreatedイベントを生成する。
func NewUserCreatedEvent(user *User) Event {
	return Event{
		Stream: StreamUsers,
		Type:   EventUserCreated,
		Key:    user.ID,
		Data: UserCreatedData{
			User: user.ID,
			Data: UserCreatedUserData{UserData: user.Profile, Slug: user.Slug, Display: user.Display},
		},
	}
}

// NewLoginMethodAddedEvent はloginMethodAddedイベントを生成する。
func NewLoginMethodAddedEvent(userID, subject string, raw map[string]any) Event {
	return Event{
		Stream: StreamUsers,
		Type:   EventLoginMethodAdded,
		Key:    userID,
		Data: LoginMethodAddedData{
			User:   userID,
			Method: LoginMethod{Type: LoginMethodGoogle, ID: subject, Raw: raw},
		},
	}
}

// NewLoggedInEvent はloggedInセッションイベントを生成する。
// rolesがnilの場合は空配列として出力する。
func NewLoggedInEvent(userID, sessionID string, roles []string) Event {
	if roles == nil {
		roles = []string{}
	}
	return Event{
		Stream: StreamSession,
		Type:   EventLoggedIn,
		Key:    userID,
		Data:   LoggedInData{User: userID, Session: sessionID, Roles: roles},
	}
}

// NewUserUpdatedPictureEvent はプロフィール画像更新のUserUpdatedイベントを生成する。
func NewUserUpdatedPictureEvent(userID, picture string) Event {
	return Event{
		Stream: StreamUsers,
		Type:   EventUserUpdated,
		Key:    userID,
		Data: UserUpdatedData{
			User: userID,
			Data: UserUpdatedBody{UserData: PictureUpdate{Picture: picture}},
		},
	}
}

// NewUserDeletedEvent は指定ストリームへのUserDeletedイベントを生成する。
func NewUserDeletedEvent(stream, userID string) Event {
	return Event{
		Stream: stream,
		Type:   EventUserDeleted,
		Key:    userID,
		Data:   UserDeletedData{User: userID},
	}
}

// Registration は新規登録で1トランザクションに書き込む内容をまとめる。
// Eventsは記載順に追記される。
type Registration struct {
	Login  *Login
	User   *User
	Events []Event
}
