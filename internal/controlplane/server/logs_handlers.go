package server

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

const (
	defaultTailLines = 200
	maxTailLines     = 2000
	maxTailBytes     = 2 << 20
	tailChunk        = 32 << 10
)

// handleLogsTail GET /api/logs?tail=N&grep=订单ID
func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	if s.cfg.LogFile == "" {
		writeError(w, http.StatusNotFound, "log file not configured")
		return
	}
	q := r.URL.Query()
	n := defaultTailLines
	if x, err := strconv.Atoi(strings.TrimSpace(q.Get("tail"))); err == nil && x > 0 {
		n = min(x, maxTailLines)
	}
	filter := strings.TrimSpace(q.Get("grep"))

	lines, err := tailLines(s.cfg.LogFile, n, filter)
	if os.IsNotExist(err) {
		writeJSON(w, http.StatusOK, map[string]any{"path": s.cfg.LogFile, "lines": []string{}})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": s.cfg.LogFile, "lines": lines})
}

// tailLines 从文件末尾按块向前读，返回最后 n 条包含 filter 的行（按原顺序）。
// 最多回看 maxTailBytes 字节。
func tailLines(path string, n int, filter string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var (
		rev     []string // 倒序收集
		partial []byte   // 块开头不完整的行
		off     = st.Size()
		floor   = max(0, st.Size()-maxTailBytes)
	)
	keep := func(line []byte) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 || (filter != "" && !bytes.Contains(line, []byte(filter))) {
			return
		}
		rev = append(rev, string(line))
	}

	buf := make([]byte, tailChunk)
	for off > floor && len(rev) < n {
		size := min(int64(tailChunk), off-floor)
		off -= size
		if _, err := f.ReadAt(buf[:size], off); err != nil && err != io.EOF {
			return nil, err
		}
		chunk := append(append([]byte(nil), buf[:size]...), partial...)
		for len(rev) < n {
			i := bytes.LastIndexByte(chunk, '\n')
			if i < 0 {
				break
			}
			keep(chunk[i+1:])
			chunk = chunk[:i]
		}
		partial = chunk
	}
	if len(rev) < n && len(partial) > 0 && off == 0 {
		keep(partial)
	}

	out := make([]string, len(rev))
	for i, line := range rev {
		out[len(rev)-1-i] = line
	}
	return out, nil
}
