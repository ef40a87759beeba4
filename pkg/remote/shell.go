package remote

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"bastion-backend/pkg/types"
)

// ShellQuote 用POSIX单引号包裹，内部单引号转义为 '\''
// 所有拼进远端shell的路径类参数都必须经过这里
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// joinShellArgs 逐个引用后拼接
func joinShellArgs(args []string) string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, ShellQuote(a))
	}
	return strings.Join(out, " ")
}

// buildInnerSSH 组装源主机连向目标主机时使用的ssh命令
// 密码认证依赖源主机上的sshpass；私钥走agent转发，不落盘
func buildInnerSSH(dest *types.ResolvedCredential) string {
	base := []string{}

	if dest.AuthMethod == types.AuthMethodPassword && dest.Password != "" {
		base = append(base, "sshpass", "-p", ShellQuote(dest.Password), "ssh")
	} else {
		base = append(base, "ssh", "-o", "PreferredAuthentications=publickey")
	}

	if dest.Port > 0 && dest.Port != 22 {
		base = append(base, "-p", strconv.Itoa(dest.Port))
	}

	base = append(base,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
	)

	return strings.Join(base, " ")
}

// buildRsyncCommand 组装在源主机上执行的rsync推送命令
func buildRsyncCommand(spec TransferSpec) string {
	destSpec := fmt.Sprintf("%s@%s:%s", spec.Dest.Username, spec.Dest.Host, spec.DestPath)
	args := []string{"-az", "--partial", "--info=progress2", "--protect-args"}
	return "rsync " + strings.Join(args, " ") +
		" -e " + ShellQuote(buildInnerSSH(spec.Dest)) +
		" " + ShellQuote(spec.SourcePath) +
		" " + ShellQuote(destSpec)
}

// buildSCPCommand 组装在源主机上执行的scp推送命令
func buildSCPCommand(spec TransferSpec) string {
	destSpec := fmt.Sprintf("%s@%s:%s", spec.Dest.Username, spec.Dest.Host, spec.DestPath)

	base := []string{}
	if spec.Dest.AuthMethod == types.AuthMethodPassword && spec.Dest.Password != "" {
		base = append(base, "sshpass", "-p", ShellQuote(spec.Dest.Password), "scp")
	} else {
		base = append(base, "scp", "-o", "PreferredAuthentications=publickey")
	}
	base = append(base, "-r",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
	)
	if spec.Dest.Port > 0 && spec.Dest.Port != 22 {
		base = append(base, "-P", strconv.Itoa(spec.Dest.Port))
	}

	return strings.Join(base, " ") +
		" " + ShellQuote(spec.SourcePath) +
		" " + ShellQuote(destSpec)
}

var progressRe = regexp.MustCompile(`(\d{1,3})%`)

// parseProgress 从rsync --info=progress2 输出行里提取百分比
func parseProgress(line string) (int, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}

// isCommandNotFound 判断远端是否缺失对应二进制
// 退出码127是唯一的回退触发条件；普通传输失败必须按失败上抛
func isCommandNotFound(exitCode int, output string) bool {
	if exitCode == 127 {
		return true
	}
	low := strings.ToLower(output)
	return strings.Contains(low, "command not found") || strings.Contains(low, "not found")
}
