package signal

import (
	"encoding/json"
	"sort"
	"time"

	"chatapp/internal/metrics"

	"github.com/rs/zerolog/log"
)

type eventKind int

const (
	evRegister eventKind = iota
	evDisconnect
	evFrame
	evRingTimeout
	evSendToUser
	evBroadcastRoom
	evOnlineUsers
)

type event struct {
	kind   eventKind
	client *Client
	env    Envelope
	callID string
	userID string
	room   string
	frame  []byte
	reply  chan []string
}

// Hub 是信令核心的单写者：连接注册表、房间成员表和通话会话表
// 只在 Run 循环内读写，一个事件就是一次原子处理，三张表之间无锁也无竞态。
// 计时器到期、HTTP 层通知都以事件形式回投到同一循环。
type Hub struct {
	ringTimeout time.Duration
	events      chan event
	quit        chan struct{}

	clients map[string]*Client              // userID -> 当前活跃连接，后注册者覆盖前者
	rooms   map[string]map[*Client]struct{} // 房间名 -> 成员连接
	calls   map[string]*CallSession         // callID -> 活跃会话
}

func NewHub(ringTimeout time.Duration) *Hub {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Hub{
		ringTimeout: ringTimeout,
		events:      make(chan event, 256),
		quit:        make(chan struct{}),
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[*Client]struct{}),
		calls:       make(map[string]*CallSession),
	}
}

// Run 串行消费事件，直到 Stop 被调用。
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Stop 终止事件循环，幂等。
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
}

func (h *Hub) post(ev event) {
	select {
	case h.events <- ev:
	case <-h.quit:
	}
}

// Register 把连接登记为 userID 的当前连接，触发在线广播。
func (h *Hub) Register(c *Client) { h.post(event{kind: evRegister, client: c}) }

// Disconnect 在连接断开后做注册表、房间与通话的清理。
func (h *Hub) Disconnect(c *Client) { h.post(event{kind: evDisconnect, client: c}) }

// Dispatch 投递一帧客户端上行消息。
func (h *Hub) Dispatch(c *Client, env Envelope) { h.post(event{kind: evFrame, client: c, env: env}) }

// NotifyUser 给某用户的当前连接推送一条事件，无连接则丢弃。HTTP 层私聊消息走这里。
func (h *Hub) NotifyUser(userID, evt string, data any) {
	h.post(event{kind: evSendToUser, userID: userID, frame: frame(evt, data)})
}

// BroadcastToRoom 给房间内所有连接推送一条事件。HTTP 层群聊消息走这里。
func (h *Hub) BroadcastToRoom(room, evt string, data any) {
	h.post(event{kind: evBroadcastRoom, room: room, frame: frame(evt, data)})
}

// OnlineUsers 返回当前在线用户列表（升序）。经事件循环同步读取。
func (h *Hub) OnlineUsers() []string {
	reply := make(chan []string, 1)
	h.post(event{kind: evOnlineUsers, reply: reply})
	select {
	case ids := <-reply:
		return ids
	case <-h.quit:
		return nil
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evRegister:
		h.handleRegister(ev.client)
	case evDisconnect:
		h.handleDisconnect(ev.client)
	case evFrame:
		h.handleFrame(ev.client, ev.env)
	case evRingTimeout:
		h.handleRingTimeout(ev.callID)
	case evSendToUser:
		if c, ok := h.clients[ev.userID]; ok {
			c.trySend(ev.frame)
		}
	case evBroadcastRoom:
		for c := range h.rooms[ev.room] {
			c.trySend(ev.frame)
		}
	case evOnlineUsers:
		ev.reply <- h.onlineList()
	}
}

func (h *Hub) handleRegister(c *Client) {
	metrics.WsConnections.Inc()
	if old, ok := h.clients[c.userID]; ok && old != c {
		// 同一身份的新连接直接覆盖旧映射，旧连接走自己的断开流程
		log.Info().Str("user_id", c.userID).Msg("superseding existing connection")
	}
	h.clients[c.userID] = c
	metrics.OnlineUsers.Set(float64(len(h.clients)))
	log.Info().Str("user_id", c.userID).Msg("user connected")
	h.broadcastPresence()
	h.sendAll(frame(EvtUserOnline, presenceOut{UserID: c.userID}))
}

func (h *Hub) handleDisconnect(c *Client) {
	metrics.WsConnections.Dec()
	for room := range c.rooms {
		h.removeFromRoom(c, room)
	}
	// 被新连接顶替的旧连接，断开时不得注销新映射，也不得终止其通话
	if h.clients[c.userID] == c {
		h.cleanupCalls(c.userID)
		delete(h.clients, c.userID)
		metrics.OnlineUsers.Set(float64(len(h.clients)))
		log.Info().Str("user_id", c.userID).Msg("user disconnected")
		h.broadcastPresence()
		h.sendAll(frame(EvtUserOffline, presenceOut{UserID: c.userID}))
	}
	close(c.send)
}

// eventLabel 把未识别的事件名归入固定标签，客户端乱造事件名不能撑大指标基数。
func eventLabel(event string) string {
	switch event {
	case EvtJoinGroups, EvtLeaveGroupRoom, EvtInitiateCall, EvtAcceptCall,
		EvtRejectCall, EvtEndCall, EvtOffer, EvtAnswer, EvtIceCandidate:
		return event
	}
	return "unknown"
}

func (h *Hub) handleFrame(c *Client, env Envelope) {
	metrics.SignalEventsTotal.WithLabelValues(eventLabel(env.Event)).Inc()
	switch env.Event {
	case EvtJoinGroups:
		var ids []string
		if err := json.Unmarshal(env.Data, &ids); err != nil {
			return
		}
		for _, id := range ids {
			if id != "" {
				h.addToRoom(c, GroupRoom(id))
			}
		}
	case EvtLeaveGroupRoom:
		var id string
		if err := json.Unmarshal(env.Data, &id); err != nil || id == "" {
			return
		}
		h.removeFromRoom(c, GroupRoom(id))
	case EvtInitiateCall:
		h.handleInitiate(c, env.Data)
	case EvtAcceptCall:
		h.handleAccept(c, env.Data)
	case EvtRejectCall:
		h.handleReject(c, env.Data)
	case EvtEndCall:
		h.handleEnd(c, env.Data)
	case EvtOffer, EvtAnswer, EvtIceCandidate:
		h.handleRelay(c, env)
	default:
		log.Debug().Str("event", env.Event).Str("user_id", c.userID).Msg("unknown event dropped")
	}
}

func (h *Hub) handleInitiate(c *Client, data json.RawMessage) {
	var in initiateCallIn
	if err := json.Unmarshal(data, &in); err != nil || in.ReceiverID == "" {
		return
	}
	now := time.Now()
	id := newCallID(c.userID, in.ReceiverID, now)
	for _, taken := h.calls[id]; taken; _, taken = h.calls[id] {
		now = now.Add(time.Millisecond)
		id = newCallID(c.userID, in.ReceiverID, now)
	}
	s := &CallSession{
		ID:         id,
		CallerID:   c.userID,
		ReceiverID: in.ReceiverID,
		Kind:       CallKind(in.CallType),
		Status:     CallRinging,
		CreatedAt:  now,
	}
	h.calls[id] = s
	metrics.ActiveCalls.Set(float64(len(h.calls)))
	s.timer = time.AfterFunc(h.ringTimeout, func() {
		h.post(event{kind: evRingTimeout, callID: id})
	})
	// 被叫不在线也照常建会话：等它上线或等振铃超时收场
	if rc, ok := h.clients[s.ReceiverID]; ok {
		rc.trySend(frame(EvtIncomingCall, incomingCallOut{CallID: id, CallerID: s.CallerID, CallType: s.Kind}))
	}
	c.trySend(frame(EvtCallInitiated, callInitiatedOut{CallID: id, ReceiverID: s.ReceiverID}))
	log.Info().Str("call_id", id).Str("caller", s.CallerID).Str("receiver", s.ReceiverID).Str("kind", s.Kind).Msg("call initiated")
}

func (h *Hub) handleAccept(c *Client, data json.RawMessage) {
	s := h.lookupRinging(c, data, "accept")
	if s == nil {
		return
	}
	s.Status = CallAccepted
	s.AcceptedAt = time.Now()
	s.stopTimer()
	if cc, ok := h.clients[s.CallerID]; ok {
		cc.trySend(frame(EvtCallAccepted, callRefOut{CallID: s.ID}))
	}
	room := callRoom(s.ID)
	joinFrame := frame(EvtJoinCallRoom, callRefOut{CallID: s.ID})
	for _, id := range [2]string{s.CallerID, s.ReceiverID} {
		if m, ok := h.clients[id]; ok {
			h.addToRoom(m, room)
			m.trySend(joinFrame)
		}
	}
	log.Info().Str("call_id", s.ID).Msg("call accepted")
}

func (h *Hub) handleReject(c *Client, data json.RawMessage) {
	s := h.lookupRinging(c, data, "reject")
	if s == nil {
		return
	}
	s.Status = CallRejected
	if cc, ok := h.clients[s.CallerID]; ok {
		cc.trySend(frame(EvtCallRejected, callRefOut{CallID: s.ID}))
	}
	log.Info().Str("call_id", s.ID).Msg("call rejected")
	h.removeSession(s)
}

// lookupRinging 校验 accept/reject 的共同前置条件：会话存在、仍在振铃、请求者是被叫。
// 不满足时静默丢弃，客户端靠终止事件自行对齐状态。
func (h *Hub) lookupRinging(c *Client, data json.RawMessage, op string) *CallSession {
	var in callRefIn
	if err := json.Unmarshal(data, &in); err != nil || in.CallID == "" {
		return nil
	}
	s, ok := h.calls[in.CallID]
	if !ok || s.Status != CallRinging || c.userID != s.ReceiverID {
		log.Debug().Str("call_id", in.CallID).Str("user_id", c.userID).Str("op", op).Msg("stale or unauthorized call op dropped")
		return nil
	}
	return s
}

func (h *Hub) handleEnd(c *Client, data json.RawMessage) {
	var in callRefIn
	if err := json.Unmarshal(data, &in); err != nil || in.CallID == "" {
		return
	}
	s, ok := h.calls[in.CallID]
	if !ok || !s.involves(c.userID) {
		log.Debug().Str("call_id", in.CallID).Str("user_id", c.userID).Msg("stale or unauthorized end dropped")
		return
	}
	s.Status = CallEnded
	s.EndedAt = time.Now()
	h.notifyCallEnded(s, "")
	log.Info().Str("call_id", s.ID).Msg("call ended")
	h.removeSession(s)
}

// handleRelay 把 offer/answer/iceCandidate 原样转发给会话的另一方。
// 无会话、非参与者或对方不在线都直接丢弃：协商消息过期即无意义，不排队不重试。
func (h *Hub) handleRelay(c *Client, env Envelope) {
	var in callRefIn
	if err := json.Unmarshal(env.Data, &in); err != nil || in.CallID == "" {
		return
	}
	s, ok := h.calls[in.CallID]
	if !ok {
		log.Debug().Str("call_id", in.CallID).Str("event", env.Event).Msg("relay for unknown call dropped")
		return
	}
	peer := s.peerOf(c.userID)
	if peer == "" {
		return
	}
	if pc, ok := h.clients[peer]; ok {
		fwd, _ := json.Marshal(Envelope{Event: env.Event, Data: env.Data})
		pc.trySend(fwd)
	}
}

// handleRingTimeout 是 initiate 时布下的计时器到期后的独立处理单元。
// 会话可能早已接通或清除，这里必须重查当前状态，落空则作废。
func (h *Hub) handleRingTimeout(callID string) {
	s, ok := h.calls[callID]
	if !ok || s.Status != CallRinging {
		return
	}
	s.Status = CallEnded
	s.EndedAt = time.Now()
	h.notifyCallEnded(s, ReasonTimeout)
	log.Info().Str("call_id", callID).Msg("call timed out")
	h.removeSession(s)
}

// cleanupCalls 强制终止 identity 参与的所有活跃会话，断开清理时调用。
func (h *Hub) cleanupCalls(identity string) {
	for _, s := range h.calls {
		if !s.involves(identity) {
			continue
		}
		s.Status = CallEnded
		s.EndedAt = time.Now()
		h.notifyCallEnded(s, ReasonUserDisconnected)
		log.Info().Str("call_id", s.ID).Str("user_id", identity).Msg("call ended by disconnect")
		h.removeSession(s)
	}
}

// notifyCallEnded 优先向通话房间广播终止事件；振铃阶段房间尚未建立，
// 此时直接投递给双方的当前连接。
func (h *Hub) notifyCallEnded(s *CallSession, reason string) {
	f := frame(EvtCallEnded, callEndedOut{CallID: s.ID, Reason: reason})
	if members := h.rooms[callRoom(s.ID)]; len(members) > 0 {
		for m := range members {
			m.trySend(f)
		}
		return
	}
	for _, id := range [2]string{s.CallerID, s.ReceiverID} {
		if c, ok := h.clients[id]; ok {
			c.trySend(f)
		}
	}
}

// removeSession 把会话移出表并解散通话房间。标识一经移除不再复用。
func (h *Hub) removeSession(s *CallSession) {
	s.stopTimer()
	delete(h.calls, s.ID)
	room := callRoom(s.ID)
	for m := range h.rooms[room] {
		delete(m.rooms, room)
	}
	delete(h.rooms, room)
	metrics.ActiveCalls.Set(float64(len(h.calls)))
}

func (h *Hub) addToRoom(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) removeFromRoom(c *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) onlineList() []string {
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) broadcastPresence() {
	h.sendAll(frame(EvtGetOnlineUsers, h.onlineList()))
}

func (h *Hub) sendAll(f []byte) {
	for _, c := range h.clients {
		c.trySend(f)
	}
}
