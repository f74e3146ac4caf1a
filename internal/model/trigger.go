package model

// ライフサイクルトリガー名
const (
	TriggerOnRegisterStart = "OnRegisterStart"
	TriggerOnRegisterAbort = "OnRegisterAbort"
	TriggerOnRegister      = "OnRegister"
	TriggerOnLogin         = "OnLogin"
	TriggerUserDeleted     = "UserDeleted"
)

// Trigger はライフサイクルフックの呼び出し内容を表す。
// 種別ごとに使わないフィールドはゼロ値のままにする。
type Trigger struct {
	Type     string
	User     string
	Session  string
	UserData *Profile
	Err      error
}
