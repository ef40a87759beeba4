package remote

import (
	"context"

	"bastion-backend/pkg/types"
)

// OutputFunc 接收远端输出的一行
type OutputFunc func(line string)

// ProgressFunc 接收0-100的传输进度
type ProgressFunc func(progress int)

// TransferSpec 定义一次跨主机复制
// 会话绑定在源主机上，由源主机向目标主机推送
type TransferSpec struct {
	SourcePath string
	DestPath   string
	Dest       *types.ResolvedCredential
	Method     types.TransferMethod
}

// Session 绑定到单个主机的SSH会话
type Session interface {
	// RunCommand 在远端执行命令直到结束，逐行回调输出，返回退出码
	RunCommand(ctx context.Context, cmd string, onOutput OutputFunc) (int, error)
	// Transfer 执行文件复制，返回实际使用的传输方式
	Transfer(ctx context.Context, spec TransferSpec, onProgress ProgressFunc) (types.TransferMethod, error)
	Close() error
}

// Executor 远程执行适配器入口
type Executor interface {
	Connect(ctx context.Context, cred *types.ResolvedCredential) (Session, error)
}
