package eventlog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Append-only журнал событий.
//
// Формат: один UTF-8 JSON объект на строку, LF-терминированный:
// {"ts":"...Z","kind":"...","data":{...}}
// Записи никогда не перезаписываются; ротация по дате (UTC).
//
// fsync батчится: не чаще чем раз в FlushInterval или по накоплении
// FlushBytes. Повреждённый хвост файла усекается при восстановлении
// до последней валидной LF границы.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки журнала
var (
	ErrLogClosed = errors.New("event log is closed")
)

// Record - одна запись журнала
type Record struct {
	TS   time.Time           `json:"ts"`
	Kind string              `json:"kind"`
	Data jsoniter.RawMessage `json:"data"`
}

// Config - политика записи журнала
type Config struct {
	// Dir - корневой каталог журнала
	Dir string

	// FlushInterval - максимальная задержка fsync
	FlushInterval time.Duration

	// FlushBytes - объём несинхронизированных данных, форсирующий fsync
	FlushBytes int
}

// DefaultConfig возвращает политику по умолчанию: fsync раз в 100ms или 64KiB
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		FlushInterval: 100 * time.Millisecond,
		FlushBytes:    64 * 1024,
	}
}

// Log - многописательский append-only журнал
//
// Запись сериализуется под mu (per-file append lock из модели
// разделяемых ресурсов); фоновая горутина выполняет периодический fsync.
type Log struct {
	cfg Config

	mu          sync.Mutex
	file        *os.File
	currentDate string // YYYY-MM-DD файла, открытого сейчас
	unsynced    int    // байт записано после последнего fsync

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// Open открывает журнал, восстанавливая повреждённый хвост текущего файла
func Open(cfg Config) (*Log, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = 64 * 1024
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	l := &Log{
		cfg:     cfg,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := l.openForDate(time.Now().UTC()); err != nil {
		return nil, err
	}

	go l.flushLoop()

	return l, nil
}

// fileForDate возвращает путь файла журнала для даты
func (l *Log) fileForDate(t time.Time) (string, string) {
	date := t.UTC().Format("2006-01-02")
	return date, filepath.Join(l.cfg.Dir, "events-"+date+".jsonl")
}

// openForDate открывает (создавая при необходимости) файл даты t,
// предварительно усекая повреждённый хвост
func (l *Log) openForDate(t time.Time) error {
	date, path := l.fileForDate(t)

	if err := truncateToLastLF(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log file: %w", err)
	}

	l.file = f
	l.currentDate = date
	return nil
}

// truncateToLastLF усекает файл до последнего LF
//
// Крэш между write и fsync может оставить частичную последнюю строку;
// всё после последней LF границы отбрасывается.
func truncateToLastLF(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	// Читаем хвост и ищем последний LF
	const tailLen = 1 << 20
	readFrom := size - tailLen
	if readFrom < 0 {
		readFrom = 0
	}
	buf := make([]byte, size-readFrom)
	if _, err := f.ReadAt(buf, readFrom); err != nil {
		return err
	}

	idx := bytes.LastIndexByte(buf, '\n')
	if idx == len(buf)-1 {
		return nil // файл заканчивается LF - цел
	}

	var newSize int64
	if idx < 0 {
		newSize = readFrom // весь хвост без LF - отбрасываем
	} else {
		newSize = readFrom + int64(idx) + 1
	}

	return f.Truncate(newSize)
}

// Append сериализует data и дописывает запись в журнал
//
// Возврат из Append НЕ гарантирует fsync (он батчится);
// гарантируется порядок и LF-терминация.
func (l *Log) Append(kind string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	rec := Record{
		TS:   time.Now().UTC(),
		Kind: kind,
		Data: raw,
	}

	line, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrLogClosed
	}

	// Ротация по дате
	if date, _ := l.fileForDate(rec.TS); date != l.currentDate {
		if err := l.rotateLocked(rec.TS); err != nil {
			return err
		}
	}

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	l.unsynced += len(line)
	if l.unsynced >= l.cfg.FlushBytes {
		return l.syncLocked()
	}

	return nil
}

// rotateLocked закрывает текущий файл и открывает файл новой даты.
// Вызывается под mu.
func (l *Log) rotateLocked(t time.Time) error {
	if err := l.syncLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	return l.openForDate(t)
}

// syncLocked выполняет fsync. Вызывается под mu.
func (l *Log) syncLocked() error {
	if l.unsynced == 0 || l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("fsync event log: %w", err)
	}
	l.unsynced = 0
	return nil
}

// Sync форсирует fsync накопленных записей
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

// flushLoop - фоновый батчер fsync
func (l *Log) flushLoop() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			_ = l.syncLocked()
			l.mu.Unlock()
		case <-l.closeCh:
			return
		}
	}
}

// Close синхронизирует и закрывает журнал
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		<-l.doneCh

		l.mu.Lock()
		defer l.mu.Unlock()

		if syncErr := l.syncLocked(); syncErr != nil {
			err = syncErr
		}
		if l.file != nil {
			if closeErr := l.file.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
			l.file = nil
		}
	})
	return err
}

// Dir возвращает корневой каталог журнала
func (l *Log) Dir() string {
	return l.cfg.Dir
}
