package jobs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/talgya/chorus/internal/model"
)

// Archive writes interactions removed by consolidation as zstd-compressed JSONL, one file per
// consolidated range.
type Archive struct {
	Dir string
}

// Write stores rows under Dir/<world>/turns-<from>-<to>.jsonl.zst and returns the file path
// and its compressed size. The file is complete once Write returns without error.
func (a *Archive) Write(worldID string, rows []model.Interaction) (string, int64, error) {
	if len(rows) == 0 {
		return "", 0, nil
	}
	dir := filepath.Join(a.Dir, worldID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, fmt.Sprintf("turns-%08d-%08d.jsonl.zst", rows[0].Turn, rows[len(rows)-1].Turn))
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	w := bufio.NewWriterSize(enc, 128*1024)
	if err := writeRows(w, rows); err != nil {
		enc.Close()
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := w.Flush(); err != nil {
		enc.Close()
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return path, 0, nil
	}
	return path, info.Size(), nil
}

func writeRows(w *bufio.Writer, rows []model.Interaction) error {
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

// ReadArchive decodes an archive file written by Write.
func ReadArchive(path string) ([]model.Interaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []model.Interaction
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var in model.Interaction
		if err := json.Unmarshal(sc.Bytes(), &in); err != nil {
			return nil, fmt.Errorf("archive %s: %w", path, err)
		}
		out = append(out, in)
	}
	return out, sc.Err()
}
