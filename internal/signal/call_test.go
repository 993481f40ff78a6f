package signal

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func setupCallPair(t *testing.T, h *Hub) (caller, receiver *Client) {
	t.Helper()
	caller = newTestClient(h, "a")
	receiver = newTestClient(h, "b")
	h.Register(caller)
	h.Register(receiver)
	flush(h)
	drainAndCount(t, caller, "")
	drainAndCount(t, receiver, "")
	return caller, receiver
}

func initiateCall(t *testing.T, h *Hub, caller, receiver *Client, kind string) string {
	t.Helper()
	dispatch(h, caller, EvtInitiateCall, fmt.Sprintf(`{"receiverId":%q,"callType":%q}`, receiver.userID, kind))
	env := recvEvent(t, caller, EvtCallInitiated)
	var out callInitiatedOut
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("bad callInitiated payload: %v", err)
	}
	if out.CallID == "" || out.ReceiverID != receiver.userID {
		t.Fatalf("callInitiated = %+v, want call id and receiver %s", out, receiver.userID)
	}
	return out.CallID
}

func TestCall_AcceptFlow(t *testing.T) {
	h := newTestHub(t, 0)
	a, b := setupCallPair(t, h)

	callID := initiateCall(t, h, a, b, "video")

	env := recvEvent(t, b, EvtIncomingCall)
	var in incomingCallOut
	if err := json.Unmarshal(env.Data, &in); err != nil {
		t.Fatalf("bad incomingCall payload: %v", err)
	}
	if in.CallID != callID || in.CallerID != "a" || in.CallType != "video" {
		t.Fatalf("incomingCall = %+v, want callId %s caller a kind video", in, callID)
	}

	dispatch(h, b, EvtAcceptCall, fmt.Sprintf(`{"callId":%q}`, callID))

	recvEvent(t, a, EvtCallAccepted)
	// 双方都要收到加入通话房间的指令
	recvEvent(t, a, EvtJoinCallRoom)
	recvEvent(t, b, EvtJoinCallRoom)
	if n := drainAndCount(t, a, EvtCallAccepted); n != 0 {
		t.Errorf("caller got %d extra callAccepted, want exactly 1", n+1)
	}

	// offer 原样转发给被叫
	offerData := fmt.Sprintf(`{"callId":%q,"offer":{"type":"offer","sdp":"v=0"}}`, callID)
	dispatch(h, a, EvtOffer, offerData)
	env = recvEvent(t, b, EvtOffer)
	if string(env.Data) != offerData {
		t.Errorf("forwarded offer = %s, want verbatim %s", env.Data, offerData)
	}

	// answer 原样转发给主叫
	answerData := fmt.Sprintf(`{"callId":%q,"answer":{"type":"answer","sdp":"v=0"}}`, callID)
	dispatch(h, b, EvtAnswer, answerData)
	env = recvEvent(t, a, EvtAnswer)
	if string(env.Data) != answerData {
		t.Errorf("forwarded answer = %s, want verbatim %s", env.Data, answerData)
	}

	// 挂断：双方经通话房间收到 callEnded，会话随之删除
	dispatch(h, a, EvtEndCall, fmt.Sprintf(`{"callId":%q}`, callID))
	recvEvent(t, a, EvtCallEnded)
	recvEvent(t, b, EvtCallEnded)

	// 之后引用该标识的协商消息一律丢弃
	dispatch(h, b, EvtIceCandidate, fmt.Sprintf(`{"callId":%q,"candidate":{"candidate":"c"}}`, callID))
	assertNoEvent(t, a, EvtIceCandidate)
}

func TestAccept_WrongIdentityIgnored(t *testing.T) {
	h := newTestHub(t, 0)
	a, b := setupCallPair(t, h)
	intruder := newTestClient(h, "x")
	h.Register(intruder)
	flush(h)

	callID := initiateCall(t, h, a, b, "voice")

	// 主叫自己和第三方都无权接听
	dispatch(h, a, EvtAcceptCall, fmt.Sprintf(`{"callId":%q}`, callID))
	dispatch(h, intruder, EvtAcceptCall, fmt.Sprintf(`{"callId":%q}`, callID))
	assertNoEvent(t, a, EvtCallAccepted)
	assertNoEvent(t, a, EvtJoinCallRoom)

	// 会话仍在振铃，被叫接听依旧有效
	dispatch(h, b, EvtAcceptCall, fmt.Sprintf(`{"callId":%q}`, callID))
	recvEvent(t, a, EvtCallAccepted)
	recvEvent(t, b, EvtJoinCallRoom)
}

func TestReject(t *testing.T) {
	h := newTestHub(t, 0)
	a, b := setupCallPair(t, h)
	callID := initiateCall(t, h, a, b, "voice")
	drainAndCount(t, b, "")

	dispatch(h, b, EvtRejectCall, fmt.Sprintf(`{"callId":%q}`, callID))
	recvEvent(t, a, EvtCallRejected)

	// 拒接后会话已删除，再接听没有任何效果
	dispatch(h, b, EvtAcceptCall, fmt.Sprintf(`{"callId":%q}`, callID))
	assertNoEvent(t, a, EvtCallAccepted)
	assertNoEvent(t, b, EvtJoinCallRoom)
}

func TestRingTimeout(t *testing.T) {
	h := newTestHub(t, 50*time.Millisecond)
	a, b := setupCallPair(t, h)
	callID := initiateCall(t, h, a, b, "voice")
	drainAndCount(t, b, "")

	env := recvEvent(t, a, EvtCallEnded)
	var out callEndedOut
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("bad callEnded payload: %v", err)
	}
	if out.CallID != callID || out.Reason != ReasonTimeout {
		t.Errorf("callEnded = %+v, want callId %s reason timeout", out, callID)
	}
	env = recvEvent(t, b, EvtCallEnded)

	// 超时后会话已删除
	dispatch(h, a, EvtOffer, fmt.Sprintf(`{"callId":%q,"offer":{}}`, callID))
	assertNoEvent(t, b, EvtOffer)
}

func TestAccept_CancelsRingTimeout(t *testing.T) {
	h := newTestHub(t, 80*time.Millisecond)
	a, b := setupCallPair(t, h)
	callID := initiateCall(t, h, a, b, "video")
	drainAndCount(t, b, "")

	dispatch(h, b, EvtAcceptCall, fmt.Sprintf(`{"callId":%q}`, callID))
	recvEvent(t, a, EvtCallAccepted)

	// 计时器被接听取消，不得再冒出伪超时终止
	time.Sleep(200 * time.Millisecond)
	flush(h)
	assertNoEvent(t, a, EvtCallEnded)
	assertNoEvent(t, b, EvtCallEnded)

	// 会话仍然可用
	dispatch(h, a, EvtOffer, fmt.Sprintf(`{"callId":%q,"offer":{}}`, callID))
	recvEvent(t, b, EvtOffer)
}

func TestRelay_UnknownCallDropped(t *testing.T) {
	h := newTestHub(t, 0)
	a, b := setupCallPair(t, h)

	dispatch(h, a, EvtOffer, `{"callId":"nope","offer":{"type":"offer"}}`)
	assertNoEvent(t, b, EvtOffer)
}

func TestRelay_ReceiverOfflineDropped(t *testing.T) {
	h := newTestHub(t, 0)
	a, b := setupCallPair(t, h)
	callID := initiateCall(t, h, a, b, "voice")
	drainAndCount(t, b, "")

	h.Disconnect(b)
	flush(h)
	// b 掉线清理掉了会话，转发自然落空；重新建一通会话验证“无连接即丢弃”
	dispatch(h, a, EvtInitiateCall, `{"receiverId":"offline-user","callType":"voice"}`)
	env := recvEvent(t, a, EvtCallInitiated)
	var out callInitiatedOut
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("bad callInitiated payload: %v", err)
	}
	if out.CallID == callID {
		t.Fatalf("call id reused: %s", callID)
	}
	dispatch(h, a, EvtOffer, fmt.Sprintf(`{"callId":%q,"offer":{}}`, out.CallID))
	// 没有对端连接，不报错也不排队
	flush(h)
}

func TestDisconnect_EndsRingingCall(t *testing.T) {
	h := newTestHub(t, 0)
	a, b := setupCallPair(t, h)
	callID := initiateCall(t, h, a, b, "video")
	recvEvent(t, b, EvtIncomingCall)

	h.Disconnect(a)
	flush(h)

	env := recvEvent(t, b, EvtCallEnded)
	var out callEndedOut
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("bad callEnded payload: %v", err)
	}
	if out.CallID != callID || out.Reason != ReasonUserDisconnected {
		t.Errorf("callEnded = %+v, want callId %s reason user_disconnected", out, callID)
	}

	// 标识不可复用：接听已删除的会话毫无效果
	dispatch(h, b, EvtAcceptCall, fmt.Sprintf(`{"callId":%q}`, callID))
	assertNoEvent(t, b, EvtJoinCallRoom)
}

func TestDisconnect_EndsAcceptedCall(t *testing.T) {
	h := newTestHub(t, 0)
	a, b := setupCallPair(t, h)
	callID := initiateCall(t, h, a, b, "voice")
	drainAndCount(t, b, "")

	dispatch(h, b, EvtAcceptCall, fmt.Sprintf(`{"callId":%q}`, callID))
	recvEvent(t, a, EvtJoinCallRoom)
	recvEvent(t, b, EvtJoinCallRoom)

	h.Disconnect(b)
	flush(h)

	env := recvEvent(t, a, EvtCallEnded)
	var out callEndedOut
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("bad callEnded payload: %v", err)
	}
	if out.Reason != ReasonUserDisconnected {
		t.Errorf("reason = %q, want user_disconnected", out.Reason)
	}
}

func TestInitiate_ReceiverOffline(t *testing.T) {
	h := newTestHub(t, 0)
	a := newTestClient(h, "a")
	h.Register(a)
	flush(h)
	drainAndCount(t, a, "")

	// 被叫不在线也照常建会话并回执，等振铃超时收场
	dispatch(h, a, EvtInitiateCall, `{"receiverId":"b","callType":"voice"}`)
	recvEvent(t, a, EvtCallInitiated)
}

func TestEnd_RequesterMustBeParticipant(t *testing.T) {
	h := newTestHub(t, 0)
	a, b := setupCallPair(t, h)
	intruder := newTestClient(h, "x")
	h.Register(intruder)
	flush(h)

	callID := initiateCall(t, h, a, b, "voice")
	recvEvent(t, b, EvtIncomingCall)

	dispatch(h, intruder, EvtEndCall, fmt.Sprintf(`{"callId":%q}`, callID))
	assertNoEvent(t, a, EvtCallEnded)
	assertNoEvent(t, b, EvtCallEnded)

	// 振铃中的会话双方任一方都可挂断
	dispatch(h, a, EvtEndCall, fmt.Sprintf(`{"callId":%q}`, callID))
	recvEvent(t, b, EvtCallEnded)
}

func TestCallKind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"video", "video"},
		{"voice", "voice"},
		{"", "voice"},
		{"garbage", "voice"},
	}
	for _, tt := range tests {
		if got := CallKind(tt.in); got != tt.want {
			t.Errorf("CallKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
