package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Чтение журнала.
//
// Порядок внутри файла - порядок append; файлы упорядочены именем
// (events-YYYY-MM-DD.jsonl). Частичная последняя строка (крэш до fsync)
// молча игнорируется - её усечёт следующий Open.

// Cursor - позиция чтения журнала: файл и байтовое смещение в нём
//
// ETL хранит курсор между прогонами, чтобы повторный прогон
// по тому же диапазону был no-op.
type Cursor struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
}

// listFiles возвращает файлы журнала в порядке возрастания даты
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read event log dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "events-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// Replay прогоняет все записи журнала через fn в порядке append
func Replay(dir string, fn func(rec Record) error) error {
	_, err := ReplayFrom(dir, Cursor{}, func(rec Record, _ Cursor) error {
		return fn(rec)
	})
	return err
}

// ReplayFrom прогоняет записи начиная с курсора и возвращает новый курсор
//
// fn получает запись и курсор, указывающий СРАЗУ ЗА неё: сохранив его,
// вызывающий может продолжить точно с этого места.
func ReplayFrom(dir string, cur Cursor, fn func(rec Record, next Cursor) error) (Cursor, error) {
	files, err := listFiles(dir)
	if err != nil {
		return cur, err
	}

	for _, name := range files {
		if cur.File != "" && name < cur.File {
			continue
		}

		offset := int64(0)
		if name == cur.File {
			offset = cur.Offset
		}

		next, err := replayFile(dir, name, offset, fn)
		if err != nil {
			return next, err
		}
		cur = next
	}

	return cur, nil
}

// replayFile читает один файл с указанного смещения
func replayFile(dir, name string, offset int64, fn func(rec Record, next Cursor) error) (Cursor, error) {
	cur := Cursor{File: name, Offset: offset}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return cur, fmt.Errorf("open event log file: %w", err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			return cur, fmt.Errorf("seek event log file: %w", err)
		}
	}

	reader := bufio.NewReaderSize(f, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Хвост без LF - недописанная запись, остановка до него
			return cur, nil
		}

		cur.Offset += int64(len(line))

		var rec Record
		if uerr := json.Unmarshal(line, &rec); uerr != nil {
			// Повреждённая строка в середине файла: журнал append-only,
			// такого не бывает без внешнего вмешательства - прерываемся
			return cur, fmt.Errorf("corrupt event record in %s: %w", name, uerr)
		}

		if cerr := fn(rec, cur); cerr != nil {
			return cur, cerr
		}
	}
}
