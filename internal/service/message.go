package service

import (
	"errors"
	"strconv"
	"time"

	"chatapp/internal/metrics"
	"chatapp/internal/models"
	"chatapp/internal/signal"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// MessageService 封装消息相关的业务逻辑：私聊与群聊的落库、在线扇出、
// 未读计数和删除。
type MessageService struct {
	db  *gorm.DB
	hub *signal.Hub
}

func NewMessageService(db *gorm.DB, hub *signal.Hub) *MessageService {
	return &MessageService{db: db, hub: hub}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID         uint      `json:"id"`
	SenderID   uint      `json:"sender_id"`
	ReceiverID *uint     `json:"receiver_id,omitempty"`
	GroupID    *uint     `json:"group_id,omitempty"`
	Username   string    `json:"username"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// SendDirect 发送私聊消息：落库后推送给接收方的当前连接（若在线），
// 并附带一份最新的未读计数。
func (s *MessageService) SendDirect(senderID, receiverID uint, content string) (*MessageDTO, error) {
	msg := models.Message{SenderID: senderID, ReceiverID: &receiverID, Content: content}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	dto := s.toDTO(msg)
	s.hub.NotifyUser(userKey(receiverID), signal.EvtNewMessage, dto)
	s.pushUnreadCounts(receiverID)
	metrics.WsMessagesTotal.Inc()
	return dto, nil
}

// SendToGroup 发送群聊消息：校验成员资格，落库后广播到群房间。
func (s *MessageService) SendToGroup(senderID, groupID uint, content string, groups *GroupService) (*MessageDTO, error) {
	ok, err := groups.IsMember(groupID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotGroupMember
	}
	msg := models.Message{SenderID: senderID, GroupID: &groupID, Content: content}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	dto := s.toDTO(msg)
	s.hub.BroadcastToRoom(signal.GroupRoom(userKey(groupID)), signal.EvtNewGroupMessage, dto)
	metrics.WsMessagesTotal.Inc()
	return dto, nil
}

// ListDirect 返回两个用户之间的私聊历史，按 id 升序。
// 拉取历史即视为已读：对端发来的未读消息被标记，并把新计数推给本人。
func (s *MessageService) ListDirect(userID, peerID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	q := s.db.Where(
		"(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
		userID, peerID, peerID, userID,
	)
	msgs, err := s.list(q, limit, beforeID)
	if err != nil {
		return nil, err
	}
	res := s.db.Model(&models.Message{}).
		Where("sender_id = ? AND receiver_id = ? AND is_read = ?", peerID, userID, false).
		Update("is_read", true)
	if res.Error != nil {
		log.Warn().Err(res.Error).Uint("user_id", userID).Msg("mark messages read")
	} else if res.RowsAffected > 0 {
		s.pushUnreadCounts(userID)
	}
	return msgs, nil
}

// ListGroup 返回群聊历史，按 id 升序。
func (s *MessageService) ListGroup(groupID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	return s.list(s.db.Where("group_id = ?", groupID), limit, beforeID)
}

// Delete 删除一条消息，仅发送者本人可删。删除事件推给消息的受众：
// 群消息广播到群房间，私聊消息推给接收方的当前连接。
func (s *MessageService) Delete(messageID, userID uint) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.SenderID != userID {
		return ErrNotMessageSender
	}
	if err := s.db.Delete(&models.Message{}, messageID).Error; err != nil {
		return err
	}

	payload := messageDeletedDTO{MessageID: userKey(messageID)}
	if msg.GroupID != nil {
		s.hub.BroadcastToRoom(signal.GroupRoom(userKey(*msg.GroupID)), signal.EvtMessageDeleted, payload)
	} else if msg.ReceiverID != nil {
		s.hub.NotifyUser(userKey(*msg.ReceiverID), signal.EvtMessageDeleted, payload)
	}
	return nil
}

// UnreadCounts 返回用户每个私聊对端的未读消息数，键为发送者 id。
func (s *MessageService) UnreadCounts(userID uint) (map[string]int64, error) {
	var rows []struct {
		SenderID uint
		Count    int64
	}
	err := s.db.Model(&models.Message{}).
		Select("sender_id, count(*) as count").
		Where("receiver_id = ? AND is_read = ? AND group_id IS NULL", userID, false).
		Group("sender_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[userKey(r.SenderID)] = r.Count
	}
	return counts, nil
}

// pushUnreadCounts 把最新未读计数推给用户的当前连接，不在线则由 hub 丢弃。
func (s *MessageService) pushUnreadCounts(userID uint) {
	counts, err := s.UnreadCounts(userID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("unread counts")
		return
	}
	s.hub.NotifyUser(userKey(userID), signal.EvtUnreadCountsUpdate, counts)
}

type messageDeletedDTO struct {
	MessageID string `json:"messageId"`
}

func (s *MessageService) list(q *gorm.DB, limit int, beforeID uint) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		dto := s.toDTO(m)
		dto.Username = usernames[m.SenderID]
		out = append(out, *dto)
	}
	return out, nil
}

func (s *MessageService) toDTO(m models.Message) *MessageDTO {
	return &MessageDTO{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		GroupID:    m.GroupID,
		Content:    m.Content,
		IsRead:     m.IsRead,
		CreatedAt:  m.CreatedAt,
	}
}

// resolveUsernames 批量获取消息涉及的发送者用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}

func userKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
