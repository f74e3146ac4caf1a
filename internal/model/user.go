// Package model はドメインモデルを定義する。
package model

import (
	"strconv"
	"time"
)

// User は内部ユーザーディレクトリのユーザーを表す。
type User struct {
	ID        string
	Roles     []string
	Profile   Profile
	Slug      string
	Display   string
	Picture   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Profile はユーザーのプロフィール情報を表す。
// 呼び出し元が渡す初期値（userData）にも同じ型を使う。
type Profile struct {
	Name      string            `json:"name,omitempty"`
	Email     string            `json:"email,omitempty"`
	FirstName string            `json:"firstName,omitempty"`
	LastName  string            `json:"lastName,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Login は外部IdPのsubject IDと内部ユーザーの対応（LoginRecord）を表す。
// IDは外部IdPが払い出したsubject IDそのもので、UserIDは作成後に変更されない。
type Login struct {
	ID        string
	Name      string
	Email     string
	UserID    string
	CreatedAt time.Time
}

// IdentityClaims は検証済みIDトークンから取り出したクレームを表す。
type IdentityClaims struct {
	Subject    string
	Name       string
	Email      string
	GivenName  string
	FamilyName string
	Picture    string
	Raw        map[string]any
}

// MergeProfile はdefaultsの上に空でないクレームを重ねたProfileを返す。
// 同じフィールドが両方にある場合は常にクレーム側が優先される。
func MergeProfile(defaults *Profile, claims *IdentityClaims) Profile {
	var p Profile
	if defaults != nil {
		p = *defaults
		if defaults.Extra != nil {
			p.Extra = make(map[string]string, len(defaults.Extra))
			for k, v := range defaults.Extra {
				p.Extra[k] = v
			}
		}
	}
	if claims == nil {
		return p
	}
	if claims.Name != "" {
		p.Name = claims.Name
	}
	if claims.Email != "" {
		p.Email = claims.Email
	}
	if claims.GivenName != "" {
		p.FirstName = claims.GivenName
	}
	if claims.FamilyName != "" {
		p.LastName = claims.FamilyName
	}
	return p
}

// ByUserKey はbyUserセカンダリインデックスのキーを返す。
// キーは `"<userID>"_<loginID>` で、ユーザー単位のプレフィックス範囲走査に使う。
// userIDを引用符で囲むため、"u"の範囲に"u_x"のキーが入ることはない。
func ByUserKey(userID, loginID string) string {
	return byUserPrefix(userID) + loginID
}

// ByUserRange はuserIDに属するbyUserインデックスの走査範囲（両端を含む）を返す。
func ByUserRange(userID string) (lower, upper string) {
	lower = byUserPrefix(userID)
	upper = lower + "\xff\xff\xff\xff"
	return lower, upper
}

func byUserPrefix(userID string) string {
	return strconv.Quote(userID) + "_"
}

// IndexEntry はセカンダリインデックスの1エントリを表す。
type IndexEntry struct {
	Key string
	To  string
}
