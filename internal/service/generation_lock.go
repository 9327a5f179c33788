package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-timetable-api/internal/models"
	"github.com/noah-isme/campus-timetable-api/internal/timetable"
)

// distributedLocker coordinates generation across service instances.
type distributedLocker interface {
	Acquire(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// GenerationLocks allows one generation run per department/semester and
// keeps at most one run of the institution solving or publishing at a time.
// The in-process state is authoritative for this instance; the optional
// remote locker extends key exclusion to other instances.
type GenerationLocks struct {
	mu          sync.Mutex
	held        map[models.TimetableKey]struct{}
	institution chan struct{}
	remote      distributedLocker
	logger      *zap.Logger
}

// NewGenerationLocks builds the lock table. remote may be nil.
func NewGenerationLocks(remote distributedLocker, logger *zap.Logger) *GenerationLocks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenerationLocks{
		held:        make(map[models.TimetableKey]struct{}),
		institution: make(chan struct{}, 1),
		remote:      remote,
		logger:      logger,
	}
}

// Acquire takes the lock for key without waiting. It returns a release
// function that is safe to call more than once, or a
// *timetable.ConcurrentGenerationError when another run holds the key.
func (l *GenerationLocks) Acquire(ctx context.Context, key models.TimetableKey) (func(), error) {
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return nil, &timetable.ConcurrentGenerationError{Key: key.String()}
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	releaseLocal := func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}

	var token string
	if l.remote != nil {
		t, ok, err := l.remote.Acquire(ctx, key.String())
		switch {
		case err != nil:
			l.logger.Warn("distributed generation lock unavailable, continuing with local lock",
				zap.String("key", key.String()), zap.Error(err))
		case !ok:
			releaseLocal()
			return nil, &timetable.ConcurrentGenerationError{Key: key.String()}
		default:
			token = t
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if token != "" {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := l.remote.Release(releaseCtx, key.String(), token); err != nil {
					l.logger.Warn("release distributed generation lock", zap.String("key", key.String()), zap.Error(err))
				}
				cancel()
			}
			releaseLocal()
		})
	}, nil
}

// Serialize waits until no other run of the institution is solving or
// publishing, or until ctx ends. Runs of different departments share staff
// and rooms, so each one must see the commitments the previous one published.
func (l *GenerationLocks) Serialize(ctx context.Context) (func(), error) {
	select {
	case l.institution <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-l.institution })
	}, nil
}

// Held reports whether this instance is generating key.
func (l *GenerationLocks) Held(key models.TimetableKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
