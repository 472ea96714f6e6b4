//go:build linux

package offline0

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
)

// smapsKeys are the smaps_rollup fields worth reporting: they split RSS into
// heap growth and file-backed mappings such as the leveldb tables.
var smapsKeys = []string{"Rss", "Anonymous", "Private_Dirty", "Shared_Clean"}

// processRSSBytes reads the resident set size from /proc/self/statm.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

func processSmapsRollupBytes() (map[string]uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()
	return parseSmapsRollup(f)
}

// parseSmapsRollup reads "Key:   123 kB" lines, keeping smapsKeys only.
func parseSmapsRollup(r io.Reader) (map[string]uint64, bool) {
	want := make(map[string]struct{}, len(smapsKeys))
	for _, k := range smapsKeys {
		want[k] = struct{}{}
	}

	vals := map[string]uint64{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		if _, keep := want[strings.TrimSpace(key)]; !keep {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[strings.TrimSpace(key)] = n * 1024
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

func formatSmapsRollup(vals map[string]uint64) string {
	var b strings.Builder
	for _, k := range smapsKeys {
		v, ok := vals[k]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatBytes(v))
	}
	return b.String()
}
