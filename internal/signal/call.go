package signal

import (
	"fmt"
	"time"
)

type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
)

// 通话终止原因，随 callEnded 下发。
const (
	ReasonTimeout          = "timeout"
	ReasonUserDisconnected = "user_disconnected"
)

// CallKind 归一化呼叫类型：除 video 外一律按 voice 处理。
func CallKind(kind string) string {
	if kind == "video" {
		return "video"
	}
	return "voice"
}

// CallSession 记录一次通话尝试：参与方、类型、状态与时间戳。
// 会话只存在于 ringing/accepted 两个活跃状态；离开活跃状态即从表中删除，
// 其标识不再复用。timer 是振铃超时句柄，任何状态迁移都要先停掉它。
type CallSession struct {
	ID         string
	CallerID   string
	ReceiverID string
	Kind       string
	Status     CallStatus
	CreatedAt  time.Time
	AcceptedAt time.Time
	EndedAt    time.Time

	timer *time.Timer
}

// peerOf 返回会话中另一方的身份；userID 不是会话参与者时返回空串。
func (s *CallSession) peerOf(userID string) string {
	switch userID {
	case s.CallerID:
		return s.ReceiverID
	case s.ReceiverID:
		return s.CallerID
	}
	return ""
}

func (s *CallSession) involves(userID string) bool {
	return userID == s.CallerID || userID == s.ReceiverID
}

func (s *CallSession) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// newCallID 生成呼叫标识：主叫-被叫-毫秒时间戳。
func newCallID(callerID, receiverID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", callerID, receiverID, at.UnixMilli())
}

func callRoom(callID string) string { return "call:" + callID }

// GroupRoom 返回群聊对应的房间名，HTTP 层群消息扇出时使用。
func GroupRoom(groupID string) string { return "group:" + groupID }
