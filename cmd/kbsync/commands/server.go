package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/kb-sync/internal/interface/httpapi"
)

// shutdownTimeout はHTTPサーバの graceful shutdown の猶予時間
const shutdownTimeout = 10 * time.Second

// ServerAction はHTTP APIサーバとバックグラウンドワーカーを起動するコマンドのアクション
func ServerAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cont := appCtx.Container
	cfg := appCtx.Config

	// ディスパッチャとスーパーバイザをバックグラウンドで起動
	go cont.Dispatcher.Start(ctx, cfg.Sync.DispatchInterval)
	go cont.Supervisor.Start(ctx, cfg.Sync.SweepInterval)

	handler := httpapi.NewScopeHandler(cont.Ledger, cont.Store, appCtx.Logger)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: httpapi.NewRouter(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		appCtx.Logger.Info("server started", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	appCtx.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
