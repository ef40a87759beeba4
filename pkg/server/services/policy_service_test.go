package services

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion-backend/pkg/store"
	"bastion-backend/pkg/types"
)

func newPolicyFixture(t *testing.T) (*PolicyService, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewPolicyService(st, zerolog.Nop()), st
}

func int64p(v int64) *int64 { return &v }

func TestPolicyEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("no policies allows everything", func(t *testing.T) {
		svc, _ := newPolicyFixture(t)
		decision := svc.Evaluate(ctx, types.PolicyContext{
			UserID:    1,
			Direction: types.DirectionUpload,
			FileName:  "app.tar.gz",
			FileSize:  1 << 30,
		})
		assert.True(t, decision.Allowed)
	})

	t.Run("global size limit denies oversized file", func(t *testing.T) {
		svc, st := newPolicyFixture(t)
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:        "global-size-cap",
			Scope:       types.PolicyScopeGlobal,
			Direction:   types.DirectionBoth,
			MaxFileSize: int64p(10 << 20),
			Enabled:     true,
		}))

		decision := svc.Evaluate(ctx, types.PolicyContext{
			UserID:    1,
			Direction: types.DirectionUpload,
			FileName:  "dump.sql",
			FileSize:  50 << 20,
		})
		assert.False(t, decision.Allowed)
		assert.Equal(t, "global-size-cap", decision.PolicyName)
		assert.Contains(t, decision.Reason, "file size")

		// 未超限的文件放行
		decision = svc.Evaluate(ctx, types.PolicyContext{
			UserID:    1,
			Direction: types.DirectionUpload,
			FileName:  "dump.sql",
			FileSize:  5 << 20,
		})
		assert.True(t, decision.Allowed)
	})

	t.Run("direction mismatch denies", func(t *testing.T) {
		svc, st := newPolicyFixture(t)
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:      "download-only",
			Scope:     types.PolicyScopeGlobal,
			Direction: types.DirectionDownload,
			Enabled:   true,
		}))

		decision := svc.Evaluate(ctx, types.PolicyContext{
			UserID:    1,
			Direction: types.DirectionUpload,
			FileName:  "a.txt",
		})
		assert.False(t, decision.Allowed)
	})

	t.Run("blocked extension denies", func(t *testing.T) {
		svc, st := newPolicyFixture(t)
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:              "no-executables",
			Scope:             types.PolicyScopeGlobal,
			Direction:         types.DirectionBoth,
			BlockedExtensions: `[".exe", "sh"]`,
			Enabled:           true,
		}))

		denied := svc.Evaluate(ctx, types.PolicyContext{
			UserID: 1, Direction: types.DirectionUpload, FileName: "install.SH",
		})
		assert.False(t, denied.Allowed)

		allowed := svc.Evaluate(ctx, types.PolicyContext{
			UserID: 1, Direction: types.DirectionUpload, FileName: "readme.md",
		})
		assert.True(t, allowed.Allowed)
	})

	t.Run("allow list denies everything outside it", func(t *testing.T) {
		svc, st := newPolicyFixture(t)
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:              "logs-only",
			Scope:             types.PolicyScopeGlobal,
			Direction:         types.DirectionBoth,
			AllowedExtensions: `["log", "txt"]`,
			Enabled:           true,
		}))

		assert.True(t, svc.Evaluate(ctx, types.PolicyContext{
			UserID: 1, Direction: types.DirectionUpload, FileName: "app.log",
		}).Allowed)
		assert.False(t, svc.Evaluate(ctx, types.PolicyContext{
			UserID: 1, Direction: types.DirectionUpload, FileName: "app.bin",
		}).Allowed)
	})

	t.Run("malformed extension list is ignored", func(t *testing.T) {
		svc, st := newPolicyFixture(t)
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:              "broken-list",
			Scope:             types.PolicyScopeGlobal,
			Direction:         types.DirectionBoth,
			AllowedExtensions: `not valid json`,
			BlockedExtensions: `{"also": "wrong"}`,
			Enabled:           true,
		}))

		// 坏数据不能意外封死所有传输
		decision := svc.Evaluate(ctx, types.PolicyContext{
			UserID: 1, Direction: types.DirectionUpload, FileName: "anything.bin",
		})
		assert.True(t, decision.Allowed)
	})

	t.Run("disabled policies are skipped", func(t *testing.T) {
		svc, st := newPolicyFixture(t)
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:      "disabled-deny-all",
			Scope:     types.PolicyScopeGlobal,
			Direction: types.DirectionNone,
			Enabled:   false,
		}))

		assert.True(t, svc.Evaluate(ctx, types.PolicyContext{
			UserID: 1, Direction: types.DirectionUpload, FileName: "a.txt",
		}).Allowed)
	})

	t.Run("scoped policies only match their subject", func(t *testing.T) {
		svc, st := newPolicyFixture(t)
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:      "user-7-blocked",
			Scope:     types.PolicyScopeUser,
			ScopeID:   7,
			Direction: types.DirectionNone,
			Enabled:   true,
		}))
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:      "group-3-blocked",
			Scope:     types.PolicyScopeGroup,
			ScopeID:   3,
			Direction: types.DirectionNone,
			Enabled:   true,
		}))

		// 目标用户被拒
		assert.False(t, svc.Evaluate(ctx, types.PolicyContext{
			UserID: 7, Direction: types.DirectionUpload, FileName: "a.txt",
		}).Allowed)
		// 其他用户不受影响
		assert.True(t, svc.Evaluate(ctx, types.PolicyContext{
			UserID: 8, Direction: types.DirectionUpload, FileName: "a.txt",
		}).Allowed)
		// 分组命中
		assert.False(t, svc.Evaluate(ctx, types.PolicyContext{
			UserID: 8, GroupIDs: []int{3}, Direction: types.DirectionUpload, FileName: "a.txt",
		}).Allowed)
	})

	t.Run("higher priority policy wins", func(t *testing.T) {
		svc, st := newPolicyFixture(t)
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:        "loose-cap",
			Scope:       types.PolicyScopeGlobal,
			Direction:   types.DirectionBoth,
			MaxFileSize: int64p(1 << 30),
			Priority:    1,
			Enabled:     true,
		}))
		require.NoError(t, st.CreatePolicy(ctx, &types.Policy{
			Name:        "strict-cap",
			Scope:       types.PolicyScopeGlobal,
			Direction:   types.DirectionBoth,
			MaxFileSize: int64p(1 << 20),
			Priority:    100,
			Enabled:     true,
		}))

		decision := svc.Evaluate(ctx, types.PolicyContext{
			UserID: 1, Direction: types.DirectionUpload, FileName: "big.iso", FileSize: 10 << 20,
		})
		assert.False(t, decision.Allowed)
		// 第一条拒绝即短路，报告的是高优先级策略
		assert.Equal(t, "strict-cap", decision.PolicyName)
	})
}

func TestPolicyAdministration(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate name rejected", func(t *testing.T) {
		svc, _ := newPolicyFixture(t)
		require.NoError(t, svc.CreatePolicy(ctx, &types.Policy{
			Name: "dup", Scope: types.PolicyScopeGlobal, Direction: types.DirectionBoth,
		}))
		err := svc.CreatePolicy(ctx, &types.Policy{
			Name: "dup", Scope: types.PolicyScopeGlobal, Direction: types.DirectionBoth,
		})
		assert.Error(t, err)
	})

	t.Run("scope id consistency", func(t *testing.T) {
		svc, _ := newPolicyFixture(t)

		// global不允许带scope_id
		err := svc.CreatePolicy(ctx, &types.Policy{
			Name: "bad-global", Scope: types.PolicyScopeGlobal, ScopeID: 5, Direction: types.DirectionBoth,
		})
		assert.Error(t, err)

		// 非global必须带scope_id
		err = svc.CreatePolicy(ctx, &types.Policy{
			Name: "bad-user", Scope: types.PolicyScopeUser, Direction: types.DirectionBoth,
		})
		assert.Error(t, err)
	})

	t.Run("global policy cannot be deleted", func(t *testing.T) {
		svc, _ := newPolicyFixture(t)
		policy := &types.Policy{
			Name: "baseline", Scope: types.PolicyScopeGlobal, Direction: types.DirectionBoth, Enabled: true,
		}
		require.NoError(t, svc.CreatePolicy(ctx, policy))

		err := svc.DeletePolicy(ctx, policy.ID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be deleted")

		// 非global可以删除
		scoped := &types.Policy{
			Name: "scoped", Scope: types.PolicyScopeUser, ScopeID: 2, Direction: types.DirectionBoth,
		}
		require.NoError(t, svc.CreatePolicy(ctx, scoped))
		assert.NoError(t, svc.DeletePolicy(ctx, scoped.ID))
	})
}

func TestParseExtensions(t *testing.T) {
	assert.Nil(t, parseExtensions(""))
	assert.Nil(t, parseExtensions("   "))
	assert.Nil(t, parseExtensions("garbage"))
	assert.Equal(t, []string{"log", "tar.gz"}, parseExtensions(`[".LOG", "tar.gz"]`))
	assert.Empty(t, parseExtensions(`["", "."]`))
}

func TestFileExtension(t *testing.T) {
	assert.Equal(t, "gz", fileExtension("backup.tar.gz"))
	assert.Equal(t, "txt", fileExtension("NOTES.TXT"))
	assert.Equal(t, "", fileExtension("Makefile"))
	assert.Equal(t, "", fileExtension("trailing."))
}
