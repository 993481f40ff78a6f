package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrGroupNotFound      = errors.New("group not found")
	ErrNotGroupMember     = errors.New("not a group member")
	ErrNotGroupOwner      = errors.New("not the group owner")
	ErrUserNotFound       = errors.New("user not found")
	ErrKickSelf           = errors.New("cannot kick yourself")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotMessageSender   = errors.New("not the message sender")
)
