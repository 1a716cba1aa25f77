// Package tasks runs the periodic background work: certificate renewal and
// message-key cache cleaning. Each task runs once at startup, then on its
// configured interval. Failures are logged and the task stays scheduled, so
// going offline only delays the work.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/rally-im/go-rally/config"
	"go.uber.org/zap"
)

// Renewer re-issues memberships whose certificates are near expiry.
type Renewer interface {
	RenewCertificates(ctx context.Context) (int, error)
}

// CacheCleaner evicts expired cached message keys.
type CacheCleaner interface {
	CleanCaches() (int64, error)
}

type Runner struct {
	log        *zap.SugaredLogger
	config     *config.Config
	renewer    Renewer
	cleaner    CacheCleaner
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewRunner(c *config.Config, renewer Renewer, cleaner CacheCleaner) *Runner {
	return &Runner{
		log:     c.Logger("tasks"),
		config:  c,
		renewer: renewer,
		cleaner: cleaner,
	}
}

func (r *Runner) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	r.cancelFunc = cancelFunc

	r.every(ctx, time.Duration(r.config.RenewalIntervalSec)*time.Second, func() {
		count, err := r.renewer.RenewCertificates(ctx)
		if err != nil {
			r.log.Warnf("error renewing certificates: %s", err)
			return
		}
		if count != 0 {
			r.log.Infof("renewed %d memberships", count)
		}
	})
	r.every(ctx, time.Duration(r.config.CacheCleanIntervalSec)*time.Second, func() {
		count, err := r.cleaner.CleanCaches()
		if err != nil {
			r.log.Warnf("error cleaning message key caches: %s", err)
			return
		}
		if count != 0 {
			r.log.Debugf("evicted %d cached message keys", count)
		}
	})
}

func (r *Runner) Shutdown() {
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.finished.Wait()
	}
}

func (r *Runner) every(ctx context.Context, interval time.Duration, f func()) {
	r.finished.Add(1)
	go func() {
		defer r.finished.Done()
		f()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				f()
			}
		}
	}()
}
