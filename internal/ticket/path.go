package ticket

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	dateLayout = "20060102"
	timeLayout = "150405.000"
)

func stamp(at time.Time) (date, clock string) {
	date = at.Format(dateLayout)
	clock = at.Format(timeLayout)
	// 150405.000 -> 150405000
	clock = clock[:6] + clock[7:]
	return date, clock
}

// Path returns {root}/{YYYYMMDD}/{key}/tickets/t.{key}.{YYYYMMDD}.{HHMMSSmmm}.json.
func Path(root, key string, start time.Time) string {
	date, clock := stamp(start)
	return filepath.Join(root, date, key, "tickets", fmt.Sprintf("t.%s.%s.%s.json", key, date, clock))
}

// RowsPath returns the rows file of one chunk of the run started at start.
func RowsPath(root, key string, start time.Time, chunk int) string {
	return chunkPath(root, "rows", "r", key, start, chunk)
}

// MessagesPath returns the messages file of one chunk of the run started at start.
func MessagesPath(root, key string, start time.Time, chunk int) string {
	return chunkPath(root, "messages", "m", key, start, chunk)
}

func chunkPath(root, dir, prefix, key string, start time.Time, chunk int) string {
	date, clock := stamp(start)
	return filepath.Join(root, date, key, dir, fmt.Sprintf("%s.%s.%s.%s.%03d.json", prefix, key, date, clock, chunk))
}
