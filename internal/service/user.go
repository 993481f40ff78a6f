package service

import (
	"errors"
	"time"

	"chatapp/internal/auth"
	"chatapp/internal/config"
	"chatapp/internal/models"

	"gorm.io/gorm"
)

// UserService 封装用户账号相关的业务逻辑：注册登录、令牌续期、
// 聊天侧栏的用户列表和头像维护。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// UserDTO 是对外输出的用户数据，登录响应、侧栏列表与群成员列表共用。
type UserDTO struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

func userDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL}
}

// TokenPair 一次签发的访问/刷新令牌对。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// issueTokens 为用户签发一对新令牌并落库 refresh token。
func (s *UserService) issueTokens(tx *gorm.DB, userID uint) (*TokenPair, error) {
	at, err := auth.GenerateAccessToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(tx, userID, rt, exp); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: at, RefreshToken: rt}, nil
}

// Register 注册新用户。
func (s *UserService) Register(username, password string) (*UserDTO, error) {
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	dto := userDTO(user)
	return &dto, nil
}

// LoginResult 登录成功后返回的令牌对和用户资料。
type LoginResult struct {
	TokenPair
	User UserDTO `json:"user"`
}

// Login 校验用户名密码并签发令牌对。
func (s *UserService) Login(username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	pair, err := s.issueTokens(s.db, user.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: *pair, User: userDTO(user)}, nil
}

// RefreshTokens 验证旧 refresh token 并签发新令牌对（旋转刷新）。
func (s *UserService) RefreshTokens(oldRT string) (*TokenPair, error) {
	var pair *TokenPair
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		pair, err = s.issueTokens(tx, rec.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// List 返回除 excludeID 外的全部用户，按用户名排序，供聊天侧栏展示。
func (s *UserService) List(excludeID uint) ([]UserDTO, error) {
	var users []models.User
	err := s.db.
		Select("id", "username", "avatar_url").
		Where("id <> ?", excludeID).
		Order("username asc").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, userDTO(u))
	}
	return out, nil
}

// UpdateAvatar 更新用户头像地址。图片本体托管在外部资产服务，这里只存 URL。
func (s *UserService) UpdateAvatar(userID uint, url string) (*UserDTO, error) {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.AvatarURL = url
	if err := s.db.Save(&user).Error; err != nil {
		return nil, err
	}
	dto := userDTO(user)
	return &dto, nil
}
