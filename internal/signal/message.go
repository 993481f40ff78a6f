package signal

import "encoding/json"

// Envelope 是 WebSocket 双向帧的统一封装：{"event": "...", "data": ...}。
// data 保持 RawMessage，转发 offer/answer/candidate 时原样透传。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// 客户端上行事件。
const (
	EvtJoinGroups     = "joinGroups"
	EvtLeaveGroupRoom = "leaveGroupRoom"
	EvtInitiateCall   = "initiateCall"
	EvtAcceptCall     = "acceptCall"
	EvtRejectCall     = "rejectCall"
	EvtEndCall        = "endCall"
	EvtOffer          = "offer"
	EvtAnswer         = "answer"
	EvtIceCandidate   = "iceCandidate"
)

// 服务端下行事件。
const (
	EvtGetOnlineUsers     = "getOnlineUsers"
	EvtUserOnline         = "userOnline"
	EvtUserOffline        = "userOffline"
	EvtCallInitiated      = "callInitiated"
	EvtIncomingCall       = "incomingCall"
	EvtCallAccepted       = "callAccepted"
	EvtJoinCallRoom       = "joinCallRoom"
	EvtCallRejected       = "callRejected"
	EvtCallEnded          = "callEnded"
	EvtNewMessage         = "newMessage"
	EvtNewGroupMessage    = "newGroupMessage"
	EvtMessageDeleted     = "messageDeleted"
	EvtMemberKicked       = "memberKicked"
	EvtUnreadCountsUpdate = "unreadCountsUpdate"
)

type initiateCallIn struct {
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

type callRefIn struct {
	CallID string `json:"callId"`
}

type presenceOut struct {
	UserID string `json:"userId"`
}

type callInitiatedOut struct {
	CallID     string `json:"callId"`
	ReceiverID string `json:"receiverId"`
}

type incomingCallOut struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	CallType string `json:"callType"`
}

type callRefOut struct {
	CallID string `json:"callId"`
}

type callEndedOut struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// frame 序列化一帧下行消息。data 序列化失败只会发生在自有类型上，记为编程错误。
func frame(event string, data any) []byte {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b, _ := json.Marshal(Envelope{Event: event, Data: raw})
	return b
}
