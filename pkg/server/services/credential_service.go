package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"bastion-backend/pkg/store"
	"bastion-backend/pkg/types"

	"github.com/rs/zerolog"
)

// CredentialService 基于连接表的凭据解析器
// 凭据列由带外的管理层以base64密文写入；这里只负责解出明文，
// "连接不存在"与"解密失败"是两类必须区分的错误
type CredentialService struct {
	store  store.Store
	logger zerolog.Logger
}

// NewCredentialService 创建凭据解析服务
func NewCredentialService(st store.Store, logger zerolog.Logger) *CredentialService {
	return &CredentialService{
		store:  st,
		logger: logger.With().Str("service", "credential").Logger(),
	}
}

// Resolve 实现types.CredentialResolver
func (s *CredentialService) Resolve(ctx context.Context, connectionID int) (*types.ResolvedCredential, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("connection %d: %w", connectionID, types.ErrConnectionNotFound)
		}
		return nil, err
	}

	cred := &types.ResolvedCredential{
		ConnectionID: conn.ID,
		Name:         conn.Name,
		Host:         conn.Host,
		Port:         conn.Port,
		Username:     conn.Username,
		AuthMethod:   conn.AuthMethod,
	}

	if cred.Password, err = decodeSecret(conn.Password); err != nil {
		return nil, fmt.Errorf("connection %d password: %w", connectionID, types.ErrDecryptFailed)
	}
	if cred.PrivateKey, err = decodeSecret(conn.PrivateKey); err != nil {
		return nil, fmt.Errorf("connection %d private key: %w", connectionID, types.ErrDecryptFailed)
	}
	if cred.Passphrase, err = decodeSecret(conn.Passphrase); err != nil {
		return nil, fmt.Errorf("connection %d passphrase: %w", connectionID, types.ErrDecryptFailed)
	}

	return cred, nil
}

// decodeSecret 解开存储层的密文；空值直接透传
func decodeSecret(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	plain, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
