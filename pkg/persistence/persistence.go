package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/perpbridge/pkg/logger"
)

// Service 按 prefix/id/tag 创建快照存储
type Service interface {
	NewStore(prefix, id, tag string) Store
}

// Store 单个快照的读写。Load 在快照不存在时返回 ErrNotExists
type Store interface {
	Save(v any) error
	Load(v any) error
	Clear() error
}

// ErrNotExists 快照不存在或为空
var ErrNotExists = errors.New("persistence data not exists")

func storeKey(prefix, id, tag string) string {
	return strings.Join([]string{prefix, id, tag}, ":")
}

// JSONFileService 每个快照一个 JSON 文件
type JSONFileService struct {
	dir string
}

func NewJSONFileService(dir string) *JSONFileService {
	return &JSONFileService{dir: dir}
}

func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	key := storeKey(prefix, id, tag)
	name := unsafeChars.ReplaceAllString(key, "_") + ".json"
	return &JSONFileStore{dir: s.dir, key: key, path: filepath.Join(s.dir, name)}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// JSONFileStore 先写同目录临时文件并 fsync，再 rename 覆盖
type JSONFileStore struct {
	dir  string
	key  string
	path string
}

func (s *JSONFileStore) Path() string { return s.path }

func (s *JSONFileStore) Save(v any) error {
	logger.Debugf("[persistence] 保存快照: key=%s", s.key)
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", s.key)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", s.dir)
	}
	tmp, err := os.CreateTemp(s.dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "rename to %s", s.path)
	}
	return nil
}

func (s *JSONFileStore) Load(v any) error {
	b, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return ErrNotExists
	case err != nil:
		return errors.Wrapf(err, "read %s", s.path)
	case len(b) == 0:
		return ErrNotExists
	}
	logger.Debugf("[persistence] 读取快照: key=%s bytes=%d", s.key, len(b))
	return errors.Wrapf(json.Unmarshal(b, v), "decode %s", s.key)
}

// Clear 删除快照文件，不存在时不报错
func (s *JSONFileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", s.path)
	}
	return nil
}
