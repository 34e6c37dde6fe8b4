package server

import (
	"context"
	"time"
)

func (s *Server) startBackground() {
	if s.cfg.Retention < 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.pruneLoop(ctx, s.cfg.PruneInterval)
	}()
}

// pruneLoop 按保留期清理事件日志
func (s *Server) pruneLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := s.prune(runCtx, s.cfg.Now().Add(-s.cfg.Retention))
			cancel()
			if err != nil {
				s.log.Warnf("清理事件日志失败: %v", err)
				continue
			}
			if n > 0 {
				s.log.Infof("🧹 已清理 %d 条过期事件日志", n)
			}
		}
	}
}
