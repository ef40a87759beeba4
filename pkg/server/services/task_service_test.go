package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion-backend/pkg/config"
	"bastion-backend/pkg/remote"
	"bastion-backend/pkg/store"
	"bastion-backend/pkg/types"
)

// fakeSession 用回调驱动的会话替身
type fakeSession struct {
	runFn      func(ctx context.Context, cmd string, onOutput remote.OutputFunc) (int, error)
	transferFn func(ctx context.Context, spec remote.TransferSpec, onProgress remote.ProgressFunc) (types.TransferMethod, error)
}

func (s *fakeSession) RunCommand(ctx context.Context, cmd string, onOutput remote.OutputFunc) (int, error) {
	if s.runFn == nil {
		return 0, nil
	}
	return s.runFn(ctx, cmd, onOutput)
}

func (s *fakeSession) Transfer(ctx context.Context, spec remote.TransferSpec, onProgress remote.ProgressFunc) (types.TransferMethod, error) {
	if s.transferFn == nil {
		return types.TransferMethodRsync, nil
	}
	return s.transferFn(ctx, spec, onProgress)
}

func (s *fakeSession) Close() error { return nil }

// fakeExecutor 记录连接目标并统计并发度
type fakeExecutor struct {
	mu        sync.Mutex
	connected []int
	active    int
	maxActive int
	session   *fakeSession
	connectFn func(cred *types.ResolvedCredential) (remote.Session, error)
}

func (e *fakeExecutor) Connect(_ context.Context, cred *types.ResolvedCredential) (remote.Session, error) {
	e.mu.Lock()
	e.connected = append(e.connected, cred.ConnectionID)
	e.mu.Unlock()

	if e.connectFn != nil {
		return e.connectFn(cred)
	}
	if e.session != nil {
		return e.session, nil
	}
	return &fakeSession{}, nil
}

func (e *fakeExecutor) enter() {
	e.mu.Lock()
	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	e.mu.Unlock()
}

func (e *fakeExecutor) leave() {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
}

// newTaskFixture 组装带内存存储与替身执行器的任务服务
func newTaskFixture(t *testing.T, executor remote.Executor, connections int) (*TaskService, *store.MemoryStore) {
	t.Helper()

	cfg := config.DefaultServerConfig()
	cfg.Tasks.CancelGracePeriod = 200 * time.Millisecond

	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= connections; i++ {
		require.NoError(t, st.CreateConnection(ctx, &types.Connection{
			Name:       fmt.Sprintf("host-%d", i),
			Host:       fmt.Sprintf("10.0.0.%d", i),
			Port:       22,
			Username:   "ops",
			AuthMethod: types.AuthMethodPassword,
			Password:   encodeSecret("pw"),
		}))
	}

	log := zerolog.Nop()
	resolver := NewCredentialService(st, log)
	policies := NewPolicyService(st, log)
	hub := NewEventHub()
	return NewTaskService(cfg, log, st, executor, resolver, policies, hub), st
}

func waitForStatus(t *testing.T, svc *TaskService, taskID string, userID int, status types.TaskStatus) *types.Task {
	t.Helper()
	var task *types.Task
	require.Eventually(t, func() bool {
		task = svc.GetDetails(context.Background(), taskID, userID)
		return task != nil && task.Status == status
	}, 3*time.Second, 10*time.Millisecond, "task never reached %s", status)
	return task
}

func TestSubmitCommandTask(t *testing.T) {
	exec := &fakeExecutor{session: &fakeSession{
		runFn: func(_ context.Context, cmd string, onOutput remote.OutputFunc) (int, error) {
			onOutput("uptime: 5 days")
			return 0, nil
		},
	}}
	svc, _ := newTaskFixture(t, exec, 3)

	task, err := svc.Submit(context.Background(), types.TaskRequest{
		Type:    types.TaskTypeCommand,
		Command: &types.CommandRequest{Command: "uptime", ConnectionIDs: []int{1, 2, 3}},
	}, 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 3, task.TotalSubTasks)
	assert.Equal(t, 5, task.ConcurrencyLimit)

	done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusCompleted)
	assert.Equal(t, 100, done.OverallProgress)
	assert.Equal(t, 3, done.CompletedSubTasks)
	assert.Equal(t, 0, done.FailedSubTasks)
	require.Len(t, done.SubTasks, 3)
	for _, sub := range done.SubTasks {
		assert.Equal(t, types.SubTaskStatusCompleted, sub.Status)
		assert.Equal(t, 100, sub.Progress)
		require.NotNil(t, sub.ExitCode)
		assert.Equal(t, 0, *sub.ExitCode)
		assert.Contains(t, sub.Output, "uptime: 5 days")
		assert.NotNil(t, sub.StartedAt)
		assert.NotNil(t, sub.EndedAt)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTaskFixture(t, &fakeExecutor{}, 2)
	ctx := context.Background()

	cases := []types.TaskRequest{
		{Type: types.TaskTypeCommand},
		{Type: types.TaskTypeCommand, Command: &types.CommandRequest{Command: ""}},
		{Type: types.TaskTypeCommand, Command: &types.CommandRequest{Command: "ls"}},
		{Type: types.TaskTypeTransfer},
		{Type: types.TaskTypeTransfer, Transfer: &types.TransferRequest{
			SourceConnectionID: 1, ConnectionIDs: []int{2},
		}},
		{Type: "reboot"},
		// 源连接不存在
		{Type: types.TaskTypeTransfer, Transfer: &types.TransferRequest{
			SourceConnectionID: 99, ConnectionIDs: []int{2}, DestPath: "/tmp",
		}},
	}
	for i, req := range cases {
		_, err := svc.Submit(ctx, req, 1)
		assert.ErrorIs(t, err, ErrInvalidRequest, "case %d", i)
	}
}

func TestEmptySubTaskSetCompletesImmediately(t *testing.T) {
	svc, _ := newTaskFixture(t, &fakeExecutor{}, 2)

	task, err := svc.Submit(context.Background(), types.TaskRequest{
		Type: types.TaskTypeTransfer,
		Transfer: &types.TransferRequest{
			SourceConnectionID: 1,
			ConnectionIDs:      []int{2},
			DestPath:           "/tmp",
			Items:              nil,
		},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, 0, task.OverallProgress)
	assert.Equal(t, 0, task.TotalSubTasks)
	assert.NotNil(t, task.EndedAt)
}

func TestConcurrencyLimit(t *testing.T) {
	exec := &fakeExecutor{}
	exec.session = &fakeSession{
		runFn: func(ctx context.Context, _ string, _ remote.OutputFunc) (int, error) {
			exec.enter()
			defer exec.leave()
			time.Sleep(20 * time.Millisecond)
			return 0, nil
		},
	}
	svc, _ := newTaskFixture(t, exec, 10)

	ids := make([]int, 0, 10)
	for i := 1; i <= 10; i++ {
		ids = append(ids, i)
	}
	task, err := svc.Submit(context.Background(), types.TaskRequest{
		Type:             types.TaskTypeCommand,
		ConcurrencyLimit: 2,
		Command:          &types.CommandRequest{Command: "true", ConnectionIDs: ids},
	}, 1)
	require.NoError(t, err)

	waitForStatus(t, svc, task.ID, 1, types.TaskStatusCompleted)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.LessOrEqual(t, exec.maxActive, 2, "concurrency limit exceeded")
	assert.Len(t, exec.connected, 10)
}

func TestAggregation(t *testing.T) {
	t.Run("mixed results are partially completed", func(t *testing.T) {
		exec := &fakeExecutor{}
		exec.connectFn = func(cred *types.ResolvedCredential) (remote.Session, error) {
			id := cred.ConnectionID
			return &fakeSession{
				runFn: func(_ context.Context, _ string, _ remote.OutputFunc) (int, error) {
					if id%2 == 0 {
						return 1, nil
					}
					return 0, nil
				},
			}, nil
		}
		svc, _ := newTaskFixture(t, exec, 4)

		task, err := svc.Submit(context.Background(), types.TaskRequest{
			Type:    types.TaskTypeCommand,
			Command: &types.CommandRequest{Command: "deploy", ConnectionIDs: []int{1, 2, 3, 4}},
		}, 1)
		require.NoError(t, err)

		done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusPartiallyCompleted)
		assert.Equal(t, 2, done.CompletedSubTasks)
		assert.Equal(t, 2, done.FailedSubTasks)
		// 总进度是子任务进度的算术平均
		assert.Equal(t, 50, done.OverallProgress)

		for _, sub := range done.SubTasks {
			if sub.Status == types.SubTaskStatusFailed {
				require.NotNil(t, sub.ExitCode)
				assert.Equal(t, 1, *sub.ExitCode)
				assert.Contains(t, sub.Message, "exited with 1")
			}
		}
	})

	t.Run("all failed yields failed", func(t *testing.T) {
		exec := &fakeExecutor{session: &fakeSession{
			runFn: func(_ context.Context, _ string, _ remote.OutputFunc) (int, error) {
				return 2, nil
			},
		}}
		svc, _ := newTaskFixture(t, exec, 2)

		task, err := svc.Submit(context.Background(), types.TaskRequest{
			Type:    types.TaskTypeCommand,
			Command: &types.CommandRequest{Command: "false", ConnectionIDs: []int{1, 2}},
		}, 1)
		require.NoError(t, err)

		done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusFailed)
		assert.Equal(t, 2, done.FailedSubTasks)
	})

	t.Run("connect failure is contained to its subtask", func(t *testing.T) {
		exec := &fakeExecutor{}
		exec.connectFn = func(cred *types.ResolvedCredential) (remote.Session, error) {
			if cred.ConnectionID == 2 {
				return nil, fmt.Errorf("dial tcp: connection refused")
			}
			return &fakeSession{}, nil
		}
		svc, _ := newTaskFixture(t, exec, 2)

		task, err := svc.Submit(context.Background(), types.TaskRequest{
			Type:    types.TaskTypeCommand,
			Command: &types.CommandRequest{Command: "true", ConnectionIDs: []int{1, 2}},
		}, 1)
		require.NoError(t, err)

		done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusPartiallyCompleted)
		assert.Equal(t, 1, done.CompletedSubTasks)
		assert.Equal(t, 1, done.FailedSubTasks)
	})
}

func TestProgressClampingAndMonotonicity(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := &fakeExecutor{session: &fakeSession{
		runFn: func(ctx context.Context, _ string, _ remote.OutputFunc) (int, error) {
			close(started)
			<-release
			return 0, nil
		},
	}}
	svc, _ := newTaskFixture(t, exec, 1)

	task, err := svc.Submit(context.Background(), types.TaskRequest{
		Type:    types.TaskTypeCommand,
		Command: &types.CommandRequest{Command: "long-job", ConnectionIDs: []int{1}},
	}, 1)
	require.NoError(t, err)
	<-started

	subID := task.SubTasks[0].ID
	set := func(p int) {
		svc.UpdateSubTaskStatus(task.ID, subID, types.SubTaskStatusRunning, &p, "")
	}
	progress := func() int {
		return svc.GetDetails(context.Background(), task.ID, 1).SubTasks[0].Progress
	}

	set(50)
	assert.Equal(t, 50, progress())

	// 非终态期间进度不回退
	set(30)
	assert.Equal(t, 50, progress())

	// 越界值夹紧
	set(150)
	assert.Equal(t, 100, progress())
	set(-10)
	assert.Equal(t, 100, progress())

	// 未知ID静默丢弃
	p := 10
	svc.UpdateSubTaskStatus(task.ID, "no-such-sub", types.SubTaskStatusRunning, &p, "")
	svc.UpdateSubTaskStatus("no-such-task", subID, types.SubTaskStatusRunning, &p, "")
	assert.Equal(t, 100, progress())

	close(release)
	waitForStatus(t, svc, task.ID, 1, types.TaskStatusCompleted)
}

func TestTerminalStateImmutability(t *testing.T) {
	exec := &fakeExecutor{session: &fakeSession{}}
	svc, _ := newTaskFixture(t, exec, 1)

	task, err := svc.Submit(context.Background(), types.TaskRequest{
		Type:    types.TaskTypeCommand,
		Command: &types.CommandRequest{Command: "true", ConnectionIDs: []int{1}},
	}, 1)
	require.NoError(t, err)

	done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusCompleted)
	subID := done.SubTasks[0].ID

	// 终态后的迟到回报被丢弃
	p := 10
	svc.UpdateSubTaskStatus(task.ID, subID, types.SubTaskStatusFailed, &p, "late report")

	after := svc.GetDetails(context.Background(), task.ID, 1)
	assert.Equal(t, types.TaskStatusCompleted, after.Status)
	assert.Equal(t, types.SubTaskStatusCompleted, after.SubTasks[0].Status)
	assert.Equal(t, 100, after.SubTasks[0].Progress)
	assert.Empty(t, after.SubTasks[0].Message)
}

func TestCancel(t *testing.T) {
	t.Run("queued subtasks cancel immediately, running ones honor ctx", func(t *testing.T) {
		started := make(chan struct{}, 1)
		exec := &fakeExecutor{session: &fakeSession{
			runFn: func(ctx context.Context, _ string, _ remote.OutputFunc) (int, error) {
				started <- struct{}{}
				<-ctx.Done()
				return -1, ctx.Err()
			},
		}}
		svc, _ := newTaskFixture(t, exec, 5)

		task, err := svc.Submit(context.Background(), types.TaskRequest{
			Type:             types.TaskTypeCommand,
			ConcurrencyLimit: 1,
			Command:          &types.CommandRequest{Command: "sleep 600", ConnectionIDs: []int{1, 2, 3, 4, 5}},
		}, 1)
		require.NoError(t, err)
		<-started

		assert.True(t, svc.Cancel(task.ID, 1))

		done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusCancelled)
		assert.Equal(t, 5, done.CancelledSubTasks)
		for _, sub := range done.SubTasks {
			assert.Equal(t, types.SubTaskStatusCancelled, sub.Status)
		}
	})

	t.Run("ownership and existence", func(t *testing.T) {
		svc, _ := newTaskFixture(t, &fakeExecutor{session: &fakeSession{}}, 1)
		task, err := svc.Submit(context.Background(), types.TaskRequest{
			Type:    types.TaskTypeCommand,
			Command: &types.CommandRequest{Command: "true", ConnectionIDs: []int{1}},
		}, 1)
		require.NoError(t, err)

		assert.False(t, svc.Cancel(task.ID, 42), "foreign user must not cancel")
		assert.False(t, svc.Cancel("no-such-task", 1))

		// 终态后取消是幂等的成功
		waitForStatus(t, svc, task.ID, 1, types.TaskStatusCompleted)
		assert.True(t, svc.Cancel(task.ID, 1))
		assert.Equal(t, types.TaskStatusCompleted,
			svc.GetDetails(context.Background(), task.ID, 1).Status)
	})

	t.Run("grace period forces terminal state on a stuck adapter", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		exec := &fakeExecutor{session: &fakeSession{
			runFn: func(_ context.Context, _ string, _ remote.OutputFunc) (int, error) {
				close(started)
				// 无视ctx，模拟卡死的远端
				<-release
				return 0, nil
			},
		}}
		svc, _ := newTaskFixture(t, exec, 1)

		task, err := svc.Submit(context.Background(), types.TaskRequest{
			Type:    types.TaskTypeCommand,
			Command: &types.CommandRequest{Command: "stuck", ConnectionIDs: []int{1}},
		}, 1)
		require.NoError(t, err)
		<-started

		require.True(t, svc.Cancel(task.ID, 1))

		// 宽限期后本地强制收敛
		done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusCancelled)
		assert.Equal(t, types.SubTaskStatusCancelled, done.SubTasks[0].Status)

		// 卡死的执行最终返回，迟到的完成回报必须被丢弃
		close(release)
		time.Sleep(50 * time.Millisecond)
		after := svc.GetDetails(context.Background(), task.ID, 1)
		assert.Equal(t, types.TaskStatusCancelled, after.Status)
		assert.Equal(t, types.SubTaskStatusCancelled, after.SubTasks[0].Status)
	})
}

func TestTransferTask(t *testing.T) {
	t.Run("cartesian expansion and push from source", func(t *testing.T) {
		exec := &fakeExecutor{session: &fakeSession{
			transferFn: func(_ context.Context, spec remote.TransferSpec, onProgress remote.ProgressFunc) (types.TransferMethod, error) {
				onProgress(50)
				onProgress(100)
				return types.TransferMethodRsync, nil
			},
		}}
		svc, _ := newTaskFixture(t, exec, 3)

		task, err := svc.Submit(context.Background(), types.TaskRequest{
			Type: types.TaskTypeTransfer,
			Transfer: &types.TransferRequest{
				SourceConnectionID: 1,
				ConnectionIDs:      []int{2, 3},
				DestPath:           "/opt/releases",
				Method:             types.TransferMethodAuto,
				Items: []types.TransferItem{
					{Path: "/data/app.tar.gz", Size: 1024},
					{Path: "/data/config.yaml", Size: 64},
				},
			},
		}, 1)
		require.NoError(t, err)
		// 2目标 × 2条目
		assert.Equal(t, 4, task.TotalSubTasks)

		done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusCompleted)
		for _, sub := range done.SubTasks {
			assert.Equal(t, types.TransferMethodRsync, sub.TransferMethodUsed)
			assert.Equal(t, 100, sub.Progress)
		}

		// 会话建立在源主机上
		exec.mu.Lock()
		defer exec.mu.Unlock()
		for _, connID := range exec.connected {
			assert.Equal(t, 1, connID)
		}
	})

	t.Run("policy denial fails the pair without blocking the rest", func(t *testing.T) {
		exec := &fakeExecutor{session: &fakeSession{}}
		svc, st := newTaskFixture(t, exec, 2)
		require.NoError(t, st.CreatePolicy(context.Background(), &types.Policy{
			Name:              "no-executables",
			Scope:             types.PolicyScopeGlobal,
			Direction:         types.DirectionBoth,
			BlockedExtensions: `["exe"]`,
			Enabled:           true,
		}))

		task, err := svc.Submit(context.Background(), types.TaskRequest{
			Type: types.TaskTypeTransfer,
			Transfer: &types.TransferRequest{
				SourceConnectionID: 1,
				ConnectionIDs:      []int{2},
				DestPath:           "/tmp",
				Items: []types.TransferItem{
					{Path: "/data/notes.txt"},
					{Path: "/data/tool.exe"},
				},
			},
		}, 1)
		require.NoError(t, err)

		done := waitForStatus(t, svc, task.ID, 1, types.TaskStatusPartiallyCompleted)
		assert.Equal(t, 1, done.CompletedSubTasks)
		assert.Equal(t, 1, done.FailedSubTasks)
		for _, sub := range done.SubTasks {
			if sub.Status == types.SubTaskStatusFailed {
				assert.Contains(t, sub.Message, "no-executables")
			}
		}
	})
}

func TestTaskOwnership(t *testing.T) {
	svc, _ := newTaskFixture(t, &fakeExecutor{session: &fakeSession{}}, 1)
	ctx := context.Background()

	mine, err := svc.Submit(ctx, types.TaskRequest{
		Type:    types.TaskTypeCommand,
		Command: &types.CommandRequest{Command: "true", ConnectionIDs: []int{1}},
	}, 1)
	require.NoError(t, err)
	theirs, err := svc.Submit(ctx, types.TaskRequest{
		Type:    types.TaskTypeCommand,
		Command: &types.CommandRequest{Command: "true", ConnectionIDs: []int{1}},
	}, 2)
	require.NoError(t, err)

	waitForStatus(t, svc, mine.ID, 1, types.TaskStatusCompleted)
	waitForStatus(t, svc, theirs.ID, 2, types.TaskStatusCompleted)

	// 他人任务不可见
	assert.Nil(t, svc.GetDetails(ctx, theirs.ID, 1))
	assert.Nil(t, svc.GetDetails(ctx, "no-such-task", 1))

	list := svc.ListForUser(ctx, 1)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)
}
