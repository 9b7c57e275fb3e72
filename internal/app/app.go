package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/prepflowlabs/prepflow-cloud/internal/api"
	"github.com/prepflowlabs/prepflow-cloud/internal/command"
	"github.com/prepflowlabs/prepflow-cloud/internal/config"
	"github.com/prepflowlabs/prepflow-cloud/internal/idempotency"
	"github.com/prepflowlabs/prepflow-cloud/internal/outbox"
	"github.com/prepflowlabs/prepflow-cloud/internal/realtime"
	"github.com/prepflowlabs/prepflow-cloud/internal/webhook"
	"github.com/prepflowlabs/prepflow-cloud/pkg/db"
	"github.com/prepflowlabs/prepflow-cloud/pkg/log"
	"github.com/prepflowlabs/prepflow-cloud/pkg/snowflake"
)

// RunServer assembles the application and blocks until shutdown.
func RunServer() {
	fx.New(
		fx.Provide(config.Load),
		log.Module,
		db.Module,
		snowflake.Module,

		fx.Provide(
			fx.Annotate(realtime.NewRedisChannel, fx.As(new(realtime.Channel))),
			outbox.NewStore,
			outbox.NewPublisher,
			webhook.NewRepository,
			webhook.NewHTTPSender,
			webhook.NewService,
			webhook.NewDispatcher,
			idempotency.NewStore,
			idempotency.NewExecutor,
			command.NewRunner,
			api.NewWebhookHandler,
			api.NewTriggerHandler,
			api.NewCommandHandler,
			api.NewRouter,
		),

		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),

		fx.Invoke(registerHooks),
	).Run()
}

type hookParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     *config.Config
	Logger     *zap.Logger
	Router     *gin.Engine
	Publisher  *outbox.Publisher
	Dispatcher *webhook.Dispatcher
	Channel    realtime.Channel
}

func registerHooks(p hookParams) {
	server := &http.Server{
		Addr:    ":" + p.Config.Port,
		Handler: p.Router,
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go p.Publisher.Run(workerCtx)
			go p.Dispatcher.Run(workerCtx)

			go func() {
				p.Logger.Info("http_server_started", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Fatal("http_server_failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelWorkers()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			if closer, ok := p.Channel.(interface{ Close() error }); ok {
				if err := closer.Close(); err != nil {
					p.Logger.Warn("channel_close_failed", zap.Error(err))
				}
			}
			p.Logger.Info("server_stopped")
			return nil
		},
	})
}
