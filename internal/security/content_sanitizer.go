package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/googlelogin/internal/model"
)

// maxTextLength はプロフィール文字列の最大長（rune数）。usersテーブルのVARCHAR(255)に合わせる。
const maxTextLength = 255

// ProfileSanitizer はIdPや呼び出し元から受け取ったプロフィール文字列を無害化するインターフェース。
type ProfileSanitizer interface {
	// SanitizeText はマークアップを全て除去し、空白を正規化して最大長に切り詰める。
	SanitizeText(s string) string
	// SanitizeProfile はProfileの各文字列フィールドにSanitizeTextを適用したコピーを返す。
	SanitizeProfile(p model.Profile) model.Profile
}

// profileSanitizer はbluemondayのStrictPolicyでタグを全て取り除く。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerの新しいインスタンスを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はマークアップを全て除去したプレーンテキストを返す。
// bluemondayがエスケープした実体参照は元の文字に戻す。
func (s *profileSanitizer) SanitizeText(text string) string {
	if text == "" {
		return ""
	}
	cleaned := html.UnescapeString(s.policy.Sanitize(text))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) > maxTextLength {
		cleaned = string([]rune(cleaned)[:maxTextLength])
	}
	return cleaned
}

// SanitizeProfile はProfileの各文字列フィールドを無害化したコピーを返す。
func (s *profileSanitizer) SanitizeProfile(p model.Profile) model.Profile {
	out := model.Profile{
		Name:      s.SanitizeText(p.Name),
		Email:     s.SanitizeText(p.Email),
		FirstName: s.SanitizeText(p.FirstName),
		LastName:  s.SanitizeText(p.LastName),
	}
	if len(p.Extra) > 0 {
		out.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[s.SanitizeText(k)] = s.SanitizeText(v)
		}
	}
	return out
}
