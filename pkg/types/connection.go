package types

import (
	"context"
	"errors"
	"time"
)

// AuthMethod 定义SSH认证方式
type AuthMethod string

const (
	AuthMethodPassword   AuthMethod = "password"
	AuthMethodPrivateKey AuthMethod = "private_key"
)

// Connection 定义一个可达的SSH主机
// 凭据列由带外的管理层写入，这里只读取
type Connection struct {
	ID         int        `json:"id" gorm:"primaryKey"`
	Name       string     `json:"name"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Username   string     `json:"username"`
	AuthMethod AuthMethod `json:"auth_method"`
	Password   string     `json:"-" gorm:"column:password"`    // base64密文
	PrivateKey string     `json:"-" gorm:"column:private_key"` // base64密文
	Passphrase string     `json:"-" gorm:"column:passphrase"`  // base64密文
	GroupID    int        `json:"group_id" gorm:"index"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ResolvedCredential 定义解密后的连接参数
type ResolvedCredential struct {
	ConnectionID int
	Name         string
	Host         string
	Port         int
	Username     string
	AuthMethod   AuthMethod
	Password     string
	PrivateKey   string
	Passphrase   string
}

var (
	// ErrConnectionNotFound 连接不存在
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrDecryptFailed 凭据解密失败；必须与连接不存在区分开
	ErrDecryptFailed = errors.New("credential decrypt failed")
)

// CredentialResolver 根据连接ID解出连接参数与明文凭据
type CredentialResolver interface {
	Resolve(ctx context.Context, connectionID int) (*ResolvedCredential, error)
}
