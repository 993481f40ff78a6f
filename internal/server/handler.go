package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"chatapp/internal/auth"
	"chatapp/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc  *service.UserService
	groupSvc *service.GroupService
	msgSvc   *service.MessageService
}

func NewHandler(userSvc *service.UserService, groupSvc *service.GroupService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, groupSvc: groupSvc, msgSvc: msgSvc}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	user, err := h.userSvc.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListUsers 返回聊天侧栏的用户列表（除当前用户外的所有人）。
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.userSvc.List(auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("list users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// UpdateProfile 更新当前用户的头像地址。图片上传在外部完成，这里只收 URL。
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req struct {
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.AvatarURL = strings.TrimSpace(req.AvatarURL)
	if len(req.AvatarURL) > 512 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "avatar url too long"})
		return
	}
	user, err := h.userSvc.UpdateAvatar(auth.GetUserID(c), req.AvatarURL)
	if err != nil {
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg("update profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// CreateGroup 处理创建群组请求。
func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group name"})
		return
	}
	group, err := h.groupSvc.Create(req.Name, auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Uint("owner_id", auth.GetUserID(c)).Str("name", req.Name).Msg("create group")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to create group"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group})
}

// ListGroups 返回当前用户所属的群组。
func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.groupSvc.ListForUser(auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("list groups")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// AddGroupMember 由群主拉人入群。
func (h *Handler) AddGroupMember(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("id"))
	if err != nil || groupID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	err = h.groupSvc.AddMember(uint(groupID), auth.GetUserID(c), req.UserID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, service.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
	case errors.Is(err, service.ErrNotGroupOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not the group owner"})
	case errors.Is(err, service.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	default:
		log.Error().Err(err).Int("group_id", groupID).Msg("add group member")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add member"})
	}
}

// GetGroupDetails 返回群详情及成员列表。
func (h *Handler) GetGroupDetails(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("id"))
	if err != nil || groupID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}
	detail, err := h.groupSvc.Details(uint(groupID))
	if err != nil {
		if errors.Is(err, service.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		log.Error().Err(err).Int("group_id", groupID).Msg("group details")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get group"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": detail})
}

// LeaveGroup 当前用户退出群组。
func (h *Handler) LeaveGroup(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("id"))
	if err != nil || groupID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}
	result, err := h.groupSvc.Leave(uint(groupID), auth.GetUserID(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": result})
	case errors.Is(err, service.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
	case errors.Is(err, service.ErrNotGroupMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a group member"})
	default:
		log.Error().Err(err).Int("group_id", groupID).Msg("leave group")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to leave group"})
	}
}

// KickGroupMember 由群主把成员移出群组。
func (h *Handler) KickGroupMember(c *gin.Context) {
	groupID, err := strconv.Atoi(c.Param("id"))
	if err != nil || groupID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}
	memberID, err := strconv.Atoi(c.Param("memberId"))
	if err != nil || memberID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
		return
	}
	err = h.groupSvc.Kick(uint(groupID), auth.GetUserID(c), uint(memberID))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, service.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
	case errors.Is(err, service.ErrNotGroupOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "only the group owner can kick members"})
	case errors.Is(err, service.ErrKickSelf):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot kick yourself"})
	case errors.Is(err, service.ErrNotGroupMember):
		c.JSON(http.StatusNotFound, gin.H{"error": "member not in group"})
	default:
		log.Error().Err(err).Int("group_id", groupID).Int("member_id", memberID).Msg("kick member")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to kick member"})
	}
}

// SendMessage 发送私聊或群聊消息，receiver_id 与 group_id 恰好传其一。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		ReceiverID uint   `json:"receiver_id"`
		GroupID    uint   `json:"group_id"`
		Content    string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}
	if (req.ReceiverID == 0) == (req.GroupID == 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "need exactly one of receiver_id or group_id"})
		return
	}
	sender := auth.GetUserID(c)
	var (
		msg *service.MessageDTO
		err error
	)
	if req.ReceiverID != 0 {
		msg, err = h.msgSvc.SendDirect(sender, req.ReceiverID, req.Content)
	} else {
		msg, err = h.msgSvc.SendToGroup(sender, req.GroupID, req.Content, h.groupSvc)
	}
	if err != nil {
		if errors.Is(err, service.ErrNotGroupMember) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a group member"})
			return
		}
		log.Error().Err(err).Uint("sender_id", sender).Msg("send message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// ListMessages 按 user_id（私聊对端）或 group_id 查询历史消息。
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.Atoi(bid); err == nil && v > 0 {
			beforeID = uint(v)
		}
	}
	me := auth.GetUserID(c)

	if gid := c.Query("group_id"); gid != "" {
		groupID, err := strconv.Atoi(gid)
		if err != nil || groupID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
			return
		}
		ok, err := h.groupSvc.IsMember(uint(groupID), me)
		if err != nil {
			log.Error().Err(err).Int("group_id", groupID).Msg("list group messages")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a group member"})
			return
		}
		msgs, err := h.msgSvc.ListGroup(uint(groupID), limit, beforeID)
		if err != nil {
			log.Error().Err(err).Int("group_id", groupID).Msg("list group messages")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
		return
	}

	peerID, err := strconv.Atoi(c.Query("user_id"))
	if err != nil || peerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "need user_id or group_id"})
		return
	}
	msgs, err := h.msgSvc.ListDirect(me, uint(peerID), limit, beforeID)
	if err != nil {
		log.Error().Err(err).Int("peer_id", peerID).Msg("list direct messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// DeleteMessage 删除一条消息，仅发送者本人可删。
func (h *Handler) DeleteMessage(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	err = h.msgSvc.Delete(uint(messageID), auth.GetUserID(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, service.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, service.ErrNotMessageSender):
		c.JSON(http.StatusForbidden, gin.H{"error": "only the sender can delete a message"})
	default:
		log.Error().Err(err).Int("message_id", messageID).Msg("delete message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
	}
}

// UnreadCounts 返回当前用户每个私聊对端的未读消息数。
func (h *Handler) UnreadCounts(c *gin.Context) {
	counts, err := h.msgSvc.UnreadCounts(auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("unread counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get unread counts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": counts})
}
