package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	scfg "sigil/internal/config"
	"sigil/internal/executor"
	"sigil/internal/instrument"
	"sigil/internal/ledger"
	"sigil/internal/listener/telegram"
	"sigil/internal/logger"
	adminhttp "sigil/internal/transport/http/admin"
)

// App 负责应用级编排：加载配置→初始化依赖→启动监听、对账与运维接口。
type App struct {
	cfg        *scfg.Config
	listener   *telegram.Listener
	coord      *executor.Coordinator
	reconciler *executor.Reconciler
	adminHTTP  *adminhttp.Server
	registry   *instrument.Registry
	store      *ledger.Store
	audit      *ledger.AuditLog
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *scfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动全部服务，阻塞到 ctx 取消或某个服务出错。
// 退出时 submitted 未确认的记录原样留在台账里，重启后由对账器处理。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.close()
	// 先等在途流水线退出，再关存储（defer 后进先出）。
	defer a.coord.Wait()

	group, ctx := errgroup.WithContext(ctx)

	if a.adminHTTP != nil {
		group.Go(func() error {
			if err := a.adminHTTP.Start(ctx); err != nil {
				return fmt.Errorf("admin http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		err := a.reconciler.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		err := a.listener.Run(ctx, a.coord.HandlePhoto)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return group.Wait()
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("关闭执行台账失败: %v", err)
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logger.Warnf("关闭审计库失败: %v", err)
		}
	}
}

// Coordinator exposes the pipeline for testing/replay harnesses.
func (a *App) Coordinator() *executor.Coordinator {
	if a == nil {
		return nil
	}
	return a.coord
}
