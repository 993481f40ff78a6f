package service

import (
	"errors"
	"fmt"

	"chatapp/internal/models"
	"chatapp/internal/signal"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// GroupService 封装群组相关的业务逻辑。成员变动会落一条系统消息并
// 广播到群房间，在线成员无需刷新即可看到。
type GroupService struct {
	db  *gorm.DB
	hub *signal.Hub
}

func NewGroupService(db *gorm.DB, hub *signal.Hub) *GroupService {
	return &GroupService{db: db, hub: hub}
}

// GroupDTO 是对外输出的群组数据。
type GroupDTO struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	OwnerID uint   `json:"owner_id"`
	Members int    `json:"members"`
}

// GroupDetailDTO 是群详情，含完整成员列表。
type GroupDetailDTO struct {
	ID      uint      `json:"id"`
	Name    string    `json:"name"`
	OwnerID uint      `json:"owner_id"`
	Members []UserDTO `json:"members"`
}

// Create 创建群组，创建者自动成为成员。
func (s *GroupService) Create(name string, ownerID uint) (*GroupDTO, error) {
	var group models.Group
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group = models.Group{Name: name, OwnerID: ownerID}
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		return tx.Create(&models.GroupMember{GroupID: group.ID, UserID: ownerID}).Error
	})
	if err != nil {
		return nil, err
	}
	return &GroupDTO{ID: group.ID, Name: group.Name, OwnerID: group.OwnerID, Members: 1}, nil
}

// ListForUser 返回用户所属的群组列表。
func (s *GroupService) ListForUser(userID uint) ([]GroupDTO, error) {
	var groups []models.Group
	err := s.db.
		Joins("JOIN group_members ON group_members.group_id = groups.id").
		Where("group_members.user_id = ?", userID).
		Order("groups.id desc").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	out := make([]GroupDTO, 0, len(groups))
	for _, g := range groups {
		var count int64
		if err := s.db.Model(&models.GroupMember{}).Where("group_id = ?", g.ID).Count(&count).Error; err != nil {
			return nil, err
		}
		out = append(out, GroupDTO{ID: g.ID, Name: g.Name, OwnerID: g.OwnerID, Members: int(count)})
	}
	return out, nil
}

// Details 返回群详情和成员列表。
func (s *GroupService) Details(groupID uint) (*GroupDetailDTO, error) {
	var group models.Group
	if err := s.db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	var users []models.User
	err := s.db.Model(&models.User{}).
		Select("users.id", "users.username", "users.avatar_url").
		Joins("JOIN group_members ON group_members.user_id = users.id").
		Where("group_members.group_id = ?", groupID).
		Order("users.id asc").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	members := make([]UserDTO, 0, len(users))
	for _, u := range users {
		members = append(members, userDTO(u))
	}
	return &GroupDetailDTO{ID: group.ID, Name: group.Name, OwnerID: group.OwnerID, Members: members}, nil
}

// AddMember 由群主拉人入群，幂等。
func (s *GroupService) AddMember(groupID, ownerID, userID uint) error {
	var group models.Group
	if err := s.db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGroupNotFound
		}
		return err
	}
	if group.OwnerID != ownerID {
		return ErrNotGroupOwner
	}
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	var count int64
	if err := s.db.Model(&models.GroupMember{}).Where("group_id = ? AND user_id = ?", groupID, userID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.db.Create(&models.GroupMember{GroupID: groupID, UserID: userID}).Error
}

// LeaveResult 描述退群的后果。
type LeaveResult struct {
	Deleted  bool `json:"deleted"`             // 最后一人退出，群已解散
	NewOwner uint `json:"new_owner,omitempty"` // 群主退出后接任者
}

// Leave 退出群组。最后一名成员退出时解散群并清掉群消息；
// 群主退出但还有人时，群主转给最早入群的成员。
func (s *GroupService) Leave(groupID, userID uint) (*LeaveResult, error) {
	var group models.Group
	if err := s.db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	var count int64
	if err := s.db.Model(&models.GroupMember{}).Where("group_id = ? AND user_id = ?", groupID, userID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNotGroupMember
	}

	res := &LeaveResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.GroupMember{}, "group_id = ? AND user_id = ?", groupID, userID).Error; err != nil {
			return err
		}
		var remaining []models.GroupMember
		if err := tx.Where("group_id = ?", groupID).Order("id asc").Find(&remaining).Error; err != nil {
			return err
		}
		if len(remaining) == 0 {
			res.Deleted = true
			if err := tx.Delete(&models.Message{}, "group_id = ?", groupID).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Group{}, groupID).Error
		}
		if group.OwnerID == userID {
			res.NewOwner = remaining[0].UserID
			return tx.Model(&models.Group{}).Where("id = ?", groupID).Update("owner_id", res.NewOwner).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Deleted {
		if res.NewOwner != 0 {
			s.postSystemMessage(groupID, userID,
				fmt.Sprintf("👑 %s left the group, %s is the new owner", s.username(userID), s.username(res.NewOwner)))
		} else {
			s.postSystemMessage(groupID, userID, fmt.Sprintf("👋 %s left the group", s.username(userID)))
		}
	}
	return res, nil
}

// Kick 由群主把成员移出群组。被踢成员经 memberKicked 事件得知。
func (s *GroupService) Kick(groupID, ownerID, memberID uint) error {
	var group models.Group
	if err := s.db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGroupNotFound
		}
		return err
	}
	if group.OwnerID != ownerID {
		return ErrNotGroupOwner
	}
	if memberID == ownerID {
		return ErrKickSelf
	}
	var count int64
	if err := s.db.Model(&models.GroupMember{}).Where("group_id = ? AND user_id = ?", groupID, memberID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotGroupMember
	}
	if err := s.db.Delete(&models.GroupMember{}, "group_id = ? AND user_id = ?", groupID, memberID).Error; err != nil {
		return err
	}

	s.postSystemMessage(groupID, ownerID,
		fmt.Sprintf("👢 %s was removed by %s", s.username(memberID), s.username(ownerID)))
	s.hub.BroadcastToRoom(signal.GroupRoom(userKey(groupID)), signal.EvtMemberKicked, memberKickedDTO{
		GroupID:  userKey(groupID),
		MemberID: userKey(memberID),
	})
	return nil
}

// IsMember 检查用户是否在群内。
func (s *GroupService) IsMember(groupID, userID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.GroupMember{}).Where("group_id = ? AND user_id = ?", groupID, userID).Count(&count).Error
	return count > 0, err
}

type memberKickedDTO struct {
	GroupID  string `json:"groupId"`
	MemberID string `json:"memberId"`
}

// postSystemMessage 以成员变动者的名义落一条系统消息并广播到群房间。
// 失败只记日志：成员关系已经变更，系统消息是尽力而为的补充。
func (s *GroupService) postSystemMessage(groupID, actorID uint, text string) {
	msg := models.Message{SenderID: actorID, GroupID: &groupID, Content: text}
	if err := s.db.Create(&msg).Error; err != nil {
		log.Warn().Err(err).Uint("group_id", groupID).Msg("system message not persisted")
		return
	}
	s.hub.BroadcastToRoom(signal.GroupRoom(userKey(groupID)), signal.EvtNewGroupMessage, MessageDTO{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		GroupID:   msg.GroupID,
		Username:  s.username(actorID),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
}

func (s *GroupService) username(id uint) string {
	var user models.User
	if err := s.db.Select("username").First(&user, id).Error; err != nil {
		return "a member"
	}
	return user.Username
}
