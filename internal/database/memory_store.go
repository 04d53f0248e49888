package database

import (
	"context"
	"sync"

	"companion-server/internal/interfaces"
	"companion-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MemoryStore - транзиентное process-local хранилище для single-instance
// dev/test запуска (STORAGE_BACKEND=memory). Оно не durable и не разделяется
// между репликами; на него никогда не полагаются production-гарантии.
//
// Атомарность обеспечивается одним мьютексом: WithTx сериализует все
// мутирующие последовательности, поэтому guard-проверки внутри одного
// repo-вызова наблюдают актуальное состояние (double spend невозможен).
type MemoryStore struct {
	mu sync.Mutex

	users        map[uuid.UUID]*models.User
	usersByTgID  map[int64]uuid.UUID
	balances     map[uuid.UUID]int64
	transactions []models.Transaction
	txByIdemKey  map[idemKey]int
	subs         map[uuid.UUID]*models.Subscription
	chapters     map[chapterKey]*models.StoryChapter
	progress     map[userCharKey]*models.UserStoryProgress
	assets       map[userAssetKey]struct{}
}

type idemKey struct {
	userID uuid.UUID
	key    string
}

type chapterKey struct {
	characterID uuid.UUID
	number      int
}

type userCharKey struct {
	userID      uuid.UUID
	characterID uuid.UUID
}

type userAssetKey struct {
	userID  uuid.UUID
	assetID uuid.UUID
}

// NewMemoryStore создает пустое in-memory хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[uuid.UUID]*models.User),
		usersByTgID: make(map[int64]uuid.UUID),
		balances:    make(map[uuid.UUID]int64),
		txByIdemKey: make(map[idemKey]int),
		subs:        make(map[uuid.UUID]*models.Subscription),
		chapters:    make(map[chapterKey]*models.StoryChapter),
		progress:    make(map[userCharKey]*models.UserStoryProgress),
		assets:      make(map[userAssetKey]struct{}),
	}
}

// Compile-time check
var _ interfaces.TxRunner = (*MemoryStore)(nil)

// WithTx сериализует мутации глобальным мьютексом и откатывает их при
// ошибке fn, восстанавливая снимок состояния. Репозитории пишут в maps
// copy-on-write (новые указатели вместо мутации на месте), поэтому
// поверхностного снимка контейнеров достаточно.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(q interfaces.DBTX) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshotLocked()
	if err := fn(memTx{}); err != nil {
		s.restoreLocked(snapshot)
		return err
	}
	return nil
}

// storeSnapshot - снимок контейнеров хранилища на момент начала WithTx.
type storeSnapshot struct {
	users        map[uuid.UUID]*models.User
	usersByTgID  map[int64]uuid.UUID
	balances     map[uuid.UUID]int64
	transactions []models.Transaction
	txByIdemKey  map[idemKey]int
	subs         map[uuid.UUID]*models.Subscription
	chapters     map[chapterKey]*models.StoryChapter
	progress     map[userCharKey]*models.UserStoryProgress
	assets       map[userAssetKey]struct{}
}

func (s *MemoryStore) snapshotLocked() storeSnapshot {
	snap := storeSnapshot{
		users:        make(map[uuid.UUID]*models.User, len(s.users)),
		usersByTgID:  make(map[int64]uuid.UUID, len(s.usersByTgID)),
		balances:     make(map[uuid.UUID]int64, len(s.balances)),
		transactions: s.transactions[:len(s.transactions):len(s.transactions)],
		txByIdemKey:  make(map[idemKey]int, len(s.txByIdemKey)),
		subs:         make(map[uuid.UUID]*models.Subscription, len(s.subs)),
		chapters:     make(map[chapterKey]*models.StoryChapter, len(s.chapters)),
		progress:     make(map[userCharKey]*models.UserStoryProgress, len(s.progress)),
		assets:       make(map[userAssetKey]struct{}, len(s.assets)),
	}
	for k, v := range s.users {
		snap.users[k] = v
	}
	for k, v := range s.usersByTgID {
		snap.usersByTgID[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	for k, v := range s.txByIdemKey {
		snap.txByIdemKey[k] = v
	}
	for k, v := range s.subs {
		snap.subs[k] = v
	}
	for k, v := range s.chapters {
		snap.chapters[k] = v
	}
	for k, v := range s.progress {
		snap.progress[k] = v
	}
	for k, v := range s.assets {
		snap.assets[k] = v
	}
	return snap
}

func (s *MemoryStore) restoreLocked(snap storeSnapshot) {
	s.users = snap.users
	s.usersByTgID = snap.usersByTgID
	s.balances = snap.balances
	s.transactions = snap.transactions
	s.txByIdemKey = snap.txByIdemKey
	s.subs = snap.subs
	s.chapters = snap.chapters
	s.progress = snap.progress
	s.assets = snap.assets
}

// lock захватывает мьютекс, если вызов не выполняется внутри WithTx.
func (s *MemoryStore) lock(q interfaces.DBTX) func() {
	if _, inTx := q.(memTx); inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// memTx - маркер "вызов внутри WithTx". SQL-методы DBTX для memory-бэкенда
// не имеют смысла и не должны вызываться.
type memTx struct{}

func (memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	panic("memory store does not execute SQL")
}

func (memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("memory store does not execute SQL")
}

func (memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("memory store does not execute SQL")
}

// SeedChapter кладет авторскую главу в хранилище (dev/test наполнение).
func (s *MemoryStore) SeedChapter(chapter *models.StoryChapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters[chapterKey{chapter.CharacterID, chapter.ChapterNumber}] = chapter
}

// SeedUser кладет пользователя в хранилище (dev/test наполнение).
func (s *MemoryStore) SeedUser(user *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	if user.TelegramUserID != nil {
		s.usersByTgID[*user.TelegramUserID] = user.ID
	}
}
