package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/John-Robertt/rezkacat/internal/api"
	"github.com/John-Robertt/rezkacat/internal/catalog"
	"github.com/John-Robertt/rezkacat/internal/config"
	"github.com/John-Robertt/rezkacat/internal/infra/cache"
	"github.com/John-Robertt/rezkacat/internal/infra/httpx"
	"github.com/John-Robertt/rezkacat/internal/logx"
	"github.com/John-Robertt/rezkacat/internal/metrics"
	"github.com/John-Robertt/rezkacat/internal/site/rezka"
	"github.com/John-Robertt/rezkacat/internal/store"
	"github.com/John-Robertt/rezkacat/internal/store/boltstore"
	"github.com/John-Robertt/rezkacat/internal/store/sqlitestore"
	"github.com/John-Robertt/rezkacat/internal/translator"
)

// app 持有一次进程运行所需的全部依赖；Close 释放存储与日志文件。
type app struct {
	eff     config.EffectiveConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	cat     *catalog.Catalog

	closers []io.Closer
}

func newApp(eff config.EffectiveConfig, stderr io.Writer) (*app, error) {
	a := &app{eff: eff}

	log, logCloser, err := newLogger(eff, stderr)
	if err != nil {
		return nil, err
	}
	a.log = log
	a.closers = append(a.closers, logCloser)

	a.metrics = metrics.New()
	hc, err := httpx.New(httpx.Options{
		ProxyURL:      eff.ProxyURL,
		Concurrency:   eff.Concurrency,
		Timeout:       eff.Timeout,
		RetryMax:      eff.RetryMax,
		RatePerSecond: eff.RatePerSecond,
		Observe:       a.metrics.ObserveUpstream,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("初始化 http client 失败：%w", err)
	}

	st, stCloser, err := openStore(eff.StoreDriver, eff.StorePath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, stCloser)

	sel := translator.Selector{Rank: translator.First}
	if len(eff.TranslatorPriority) > 0 {
		sel.Rank = translator.PriorityRank(eff.TranslatorPriority)
	}

	a.cat, err = catalog.New(catalog.Options{
		Site:     rezka.New(eff.BaseURL),
		Store:    st,
		HTTP:     hc,
		Selector: sel,
		Cache:    cache.New(eff.CacheDir, false),
		Logger:   log,
		Metrics:  a.metrics,
		Workers:  eff.Concurrency,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	log.Debug("配置已加载",
		"file", eff.File,
		"base_url", eff.BaseURL,
		"proxy", eff.ProxyURL != "",
		"store", eff.StoreDriver,
		"store_path", eff.StorePath,
		"concurrency", eff.Concurrency,
		"timeout", eff.Timeout.String(),
	)
	return a, nil
}

func newLogger(eff config.EffectiveConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	opts := logx.Options{Level: eff.LogLevel, Format: eff.LogFormat, File: eff.LogFile}
	if eff.LogFile == "" {
		// 不写文件时使用调用方的 stderr（测试里可以替换）。
		return slog.New(logx.Handler(stderr, opts)), nopCloser{}, nil
	}
	return logx.New(opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(driver, path string) (store.Store, io.Closer, error) {
	switch driver {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("打开 sqlite 存储失败（%s）：%w", path, err)
		}
		return s, s, nil
	default:
		s, err := boltstore.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("打开 bolt 存储失败（%s）：%w", path, err)
		}
		return s, s, nil
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.log != nil {
			a.log.Warn("关闭资源失败", "err", err)
		}
	}
	a.closers = nil
}

// serve 阻塞直到 ctx 取消，然后优雅关闭。
func (a *app) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(a.cat, a.metrics, a.log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("HTTP API 已启动", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP 服务启动失败：%w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.log.Info("HTTP API 正在关闭")
	return srv.Shutdown(shutdownCtx)
}
