package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"bastion-backend/pkg/types"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHExecutor 基于golang.org/x/crypto/ssh的远程执行适配器
type SSHExecutor struct {
	connectTimeout time.Duration
	logger         zerolog.Logger
}

// NewSSHExecutor 创建SSH执行器
func NewSSHExecutor(connectTimeout time.Duration, logger zerolog.Logger) *SSHExecutor {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &SSHExecutor{
		connectTimeout: connectTimeout,
		logger:         logger.With().Str("component", "ssh-executor").Logger(),
	}
}

// Connect 建立到目标主机的SSH连接
func (e *SSHExecutor) Connect(ctx context.Context, cred *types.ResolvedCredential) (Session, error) {
	auths, err := buildAuthMethods(cred)
	if err != nil {
		return nil, err
	}

	port := cred.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cred.Host, strconv.Itoa(port))

	cc := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.connectTimeout,
	}

	dialer := net.Dialer{Timeout: e.connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	cconn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cc)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}

	e.logger.Debug().Str("addr", addr).Str("user", cred.Username).Msg("SSH connection established")

	return &sshSession{
		client: ssh.NewClient(cconn, chans, reqs),
		logger: e.logger.With().Str("host", cred.Host).Logger(),
	}, nil
}

// buildAuthMethods 按认证方式组装SSH认证
func buildAuthMethods(cred *types.ResolvedCredential) ([]ssh.AuthMethod, error) {
	switch cred.AuthMethod {
	case types.AuthMethodPassword:
		return []ssh.AuthMethod{ssh.Password(cred.Password)}, nil
	case types.AuthMethodPrivateKey:
		var signer ssh.Signer
		var err error
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cred.PrivateKey), []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method: %q", cred.AuthMethod)
	}
}

// sshSession 绑定单个主机的会话
type sshSession struct {
	client *ssh.Client
	logger zerolog.Logger

	forwardOnce sync.Once
	forwardErr  error
}

// RunCommand 执行远端命令，逐行回调输出，返回退出码
// 非零退出码不作为error返回，由调用方裁决
func (s *sshSession) RunCommand(ctx context.Context, cmd string, onOutput OutputFunc) (int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	w := newLineWriter(onOutput)
	sess.Stdout = w
	sess.Stderr = w

	if err := sess.Start("sh -c " + ShellQuote(cmd)); err != nil {
		return -1, fmt.Errorf("starting remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		// 取消时尽力杀掉远端进程再关会话
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		w.Flush()
		return -1, ctx.Err()
	case err := <-done:
		w.Flush()
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("remote command: %w", err)
	}
}

// Transfer 在源主机上执行推送式复制
// auto先尝试rsync，仅当远端明确缺失rsync二进制时回退scp；
// 真实的传输失败按失败上抛，不做静默降级
func (s *sshSession) Transfer(ctx context.Context, spec TransferSpec, onProgress ProgressFunc) (types.TransferMethod, error) {
	if spec.Dest == nil {
		return "", fmt.Errorf("transfer destination is required")
	}

	// 目标主机走私钥认证时，把私钥装进内存keyring转发到源主机，避免密钥落盘
	if spec.Dest.AuthMethod == types.AuthMethodPrivateKey {
		if err := s.ensureAgentForward(spec.Dest); err != nil {
			return "", err
		}
	}

	method := spec.Method
	if method == "" {
		method = types.TransferMethodAuto
	}

	switch method {
	case types.TransferMethodSCP:
		return types.TransferMethodSCP, s.runTransferCommand(ctx, buildSCPCommand(spec), spec, onProgress)
	case types.TransferMethodRsync:
		return types.TransferMethodRsync, s.runTransferCommand(ctx, buildRsyncCommand(spec), spec, onProgress)
	case types.TransferMethodAuto:
		err := s.runTransferCommand(ctx, buildRsyncCommand(spec), spec, onProgress)
		var nf *commandNotFoundError
		if errors.As(err, &nf) {
			s.logger.Info().Str("source", spec.SourcePath).Msg("rsync missing on remote, falling back to scp")
			return types.TransferMethodSCP, s.runTransferCommand(ctx, buildSCPCommand(spec), spec, onProgress)
		}
		return types.TransferMethodRsync, err
	default:
		return "", fmt.Errorf("unknown transfer method: %q", method)
	}
}

// commandNotFoundError 远端缺失二进制；auto模式下触发回退
type commandNotFoundError struct {
	output string
}

func (e *commandNotFoundError) Error() string {
	return "remote command not found: " + e.output
}

// runTransferCommand 在源主机上执行一条传输命令
func (s *sshSession) runTransferCommand(ctx context.Context, cmd string, spec TransferSpec, onProgress ProgressFunc) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	if spec.Dest.AuthMethod == types.AuthMethodPrivateKey {
		if err := agent.RequestAgentForwarding(sess); err != nil {
			return fmt.Errorf("requesting agent forwarding: %w", err)
		}
	}

	var tail outputTail
	w := newLineWriter(func(line string) {
		tail.add(line)
		if pct, ok := parseProgress(line); ok && onProgress != nil {
			onProgress(pct)
		}
	})
	sess.Stdout = w
	sess.Stderr = w

	if err := sess.Start("sh -c " + ShellQuote(cmd)); err != nil {
		return fmt.Errorf("starting transfer: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		w.Flush()
		return ctx.Err()
	case err := <-done:
		w.Flush()
		if err == nil {
			return nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			if isCommandNotFound(exitErr.ExitStatus(), tail.String()) {
				return &commandNotFoundError{output: tail.String()}
			}
			return fmt.Errorf("transfer exited with %d: %s", exitErr.ExitStatus(), tail.String())
		}
		return fmt.Errorf("transfer: %w", err)
	}
}

// ensureAgentForward 把目标主机的私钥装进内存keyring并转发
func (s *sshSession) ensureAgentForward(dest *types.ResolvedCredential) error {
	s.forwardOnce.Do(func() {
		var priv interface{}
		var err error
		if dest.Passphrase != "" {
			priv, err = ssh.ParseRawPrivateKeyWithPassphrase([]byte(dest.PrivateKey), []byte(dest.Passphrase))
		} else {
			priv, err = ssh.ParseRawPrivateKey([]byte(dest.PrivateKey))
		}
		if err != nil {
			s.forwardErr = fmt.Errorf("parse destination private key: %w", err)
			return
		}

		keyring := agent.NewKeyring()
		if err := keyring.Add(agent.AddedKey{PrivateKey: priv}); err != nil {
			s.forwardErr = fmt.Errorf("agent add key: %w", err)
			return
		}
		if err := agent.ForwardToAgent(s.client, keyring); err != nil {
			s.forwardErr = fmt.Errorf("forward to agent: %w", err)
			return
		}
	})
	return s.forwardErr
}

// Close 关闭底层连接
func (s *sshSession) Close() error {
	return s.client.Close()
}

// lineWriter 把字节流切成行回调；兼容rsync用\r刷新进度
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	onLine OutputFunc
}

func newLineWriter(onLine OutputFunc) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, _ := w.buf.Write(p)
	for {
		b := w.buf.Bytes()
		i := bytes.IndexAny(b, "\r\n")
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b[:i]), "\r\n")
		w.buf.Next(i + 1)
		if line != "" && w.onLine != nil {
			w.onLine(line)
		}
	}
	return n, nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	line := strings.TrimRight(w.buf.String(), "\r\n")
	w.buf.Reset()
	if line != "" && w.onLine != nil {
		w.onLine(line)
	}
}

// outputTail 保留输出的最后几行，用于错误信息
type outputTail struct {
	mu    sync.Mutex
	lines []string
}

func (t *outputTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > 20 {
		t.lines = t.lines[len(t.lines)-20:]
	}
}

func (t *outputTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
