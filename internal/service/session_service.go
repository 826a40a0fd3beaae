package service

import (
	"errors"
	"sci-core/pkg/token"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrAccessDenied 表示访问口令不正确。
var ErrAccessDenied = errors.New("access denied")

// SessionInfo 是新建会话的返回值。
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionService 负责签发会话令牌。
type SessionService interface {
	Create(accessCode string) (*SessionInfo, error)
}

type sessionService struct {
	jwtManager     *token.JWTManager
	accessCodeHash []byte
}

// NewSessionService 创建 SessionService。accessCodeHash 为空时不校验口令。
func NewSessionService(jwtManager *token.JWTManager, accessCodeHash string) SessionService {
	return &sessionService{jwtManager: jwtManager, accessCodeHash: []byte(accessCodeHash)}
}

// Create 校验访问口令并签发一个新的会话。
func (s *sessionService) Create(accessCode string) (*SessionInfo, error) {
	if len(s.accessCodeHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(s.accessCodeHash, []byte(accessCode)); err != nil {
			return nil, ErrAccessDenied
		}
	}
	sessionID, tok, expiresAt, err := s.jwtManager.NewSession()
	if err != nil {
		return nil, err
	}
	return &SessionInfo{SessionID: sessionID, Token: tok, ExpiresAt: expiresAt}, nil
}
